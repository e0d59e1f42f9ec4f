package gateway

import (
	"net/url"
	"sort"
	"strings"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

// Route forwards every path under Prefix to Target.
type Route struct {
	Prefix string
	Target *url.URL
}

// ParseRoutes parses "prefix=url" entries. The result is ordered longest
// prefix first so the most specific route wins. Errors carry
// CodeValidation.
func ParseRoutes(entries []string) ([]Route, error) {
	seen := make(map[string]bool, len(entries))
	routes := make([]Route, 0, len(entries))
	for _, entry := range entries {
		prefix, raw, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			return nil, sserr.Newf(sserr.CodeValidation, "gateway: route %q is not prefix=url", entry)
		}
		prefix = strings.TrimSpace(prefix)
		if !strings.HasPrefix(prefix, "/") {
			return nil, sserr.Newf(sserr.CodeValidation, "gateway: route prefix %q must start with /", prefix)
		}
		if len(prefix) > 1 {
			prefix = strings.TrimSuffix(prefix, "/")
		}
		if seen[prefix] {
			return nil, sserr.Newf(sserr.CodeValidation, "gateway: duplicate route prefix %q", prefix)
		}
		seen[prefix] = true

		target, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeValidation, "gateway: route %q has an invalid target", prefix)
		}
		if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
			return nil, sserr.Newf(sserr.CodeValidation, "gateway: route %q target %q must be an absolute http(s) url", prefix, raw)
		}
		routes = append(routes, Route{Prefix: prefix, Target: target})
	}
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})
	return routes, nil
}

// matches reports whether path is Prefix itself or lies beneath it.
func (r Route) matches(path string) bool {
	if r.Prefix == "/" {
		return true
	}
	return path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/")
}
