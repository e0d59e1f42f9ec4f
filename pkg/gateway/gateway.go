// Package gateway is the public entry point: a prefix-routed reverse proxy
// that authenticates every request before forwarding it inward.
//
// Only /healthz is served without a token. Everything else passes through
// the edge middleware, which strips inbound identity headers and writes
// trusted ones from the verified token.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"

	"github.com/google/uuid"

	"github.com/StricklySoft/billing-trust/pkg/auth"
	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

// HeaderRequestID correlates a request across the edge and the services
// behind it.
const HeaderRequestID = "X-Request-Id"

// HealthPath is served without authentication.
const HealthPath = "/healthz"

// Middleware authenticates a request before next sees it.
type Middleware interface {
	Middleware(next http.Handler) http.Handler
}

type upstream struct {
	Route
	proxy *httputil.ReverseProxy
}

// Gateway is an http.Handler.
type Gateway struct {
	upstreams []upstream
	handler   http.Handler
	logger    *slog.Logger
}

// New builds the gateway. edge is usually an *auth.EdgeAuthenticator.
func New(routes []Route, edge Middleware, logger *slog.Logger) (*Gateway, error) {
	if edge == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "gateway: requires an edge authenticator")
	}
	if len(routes) == 0 {
		return nil, sserr.New(sserr.CodeValidationRequired, "gateway: at least one route is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{logger: logger}
	for _, rt := range routes {
		g.upstreams = append(g.upstreams, upstream{Route: rt, proxy: g.newProxy(rt)})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+HealthPath, health)
	mux.Handle("/", edge.Middleware(http.HandlerFunc(g.forward)))
	g.handler = withRequestID(mux)
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request) {
	for _, up := range g.upstreams {
		if up.matches(r.URL.Path) {
			up.proxy.ServeHTTP(w, r)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, auth.ErrorBody{Message: "not found"})
}

func (g *Gateway) newProxy(rt Route) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(rt.Target)
			pr.SetXForwarded()
			setTrustedHeaders(pr)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			g.logger.ErrorContext(r.Context(), "gateway: upstream request failed",
				"route", rt.Prefix, "request_id", r.Header.Get(HeaderRequestID), "error", err)
			auth.WriteError(w, sserr.Wrap(err, sserr.CodeUnavailableDependency, "gateway: upstream unavailable"))
		},
	}
}

// setTrustedHeaders rewrites the identity headers on the outbound request
// from the claims the edge verified. The proxy drops headers named in the
// inbound Connection header before Rewrite runs, so values copied from
// the inbound request cannot be relied on.
func setTrustedHeaders(pr *httputil.ProxyRequest) {
	auth.StripTrustedHeaders(pr.Out.Header)
	user, ok := auth.AuthFromContext(pr.In.Context()).(auth.EndUser)
	if !ok || user.Claims == nil {
		return
	}
	auth.ToHeaders(user.Claims).Write(pr.Out.Header)
}

// withRequestID keeps a well-formed inbound request id and mints one
// otherwise.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
			r.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
