// Package config loads process configuration for billing-trust binaries.
// Values resolve in priority order, lowest first:
//
//	envDefault struct tags
//	YAML or JSON config file (optional)
//	environment variables
//
// Fields are described with struct tags:
//
//   - `env:"NAME"` maps the field to an environment variable; on a nested
//     struct the tag becomes a prefix for its children
//   - `envDefault:"value"` is applied when the field is zero
//   - `required:"true"` fails loading if the field is still zero
//
// The edge and the internal services treat a missing issuer, audience,
// key-set URL, or internal secret as a startup failure, so those fields
// carry `required:"true"` and binaries exit when [Loader.Load] fails.
//
//	var cfg auth.EdgeConfig
//	if err := config.New().WithEnvPrefix("EDGE").Load(&cfg); err != nil {
//	    logger.Error("invalid configuration", "error", err)
//	    os.Exit(1)
//	}
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Validator is implemented by configuration structs that need checks
// beyond the required tag. Validate runs after all layers are applied.
type Validator interface {
	Validate() error
}

// Loader resolves configuration into a struct. A Loader is not safe for
// concurrent use.
type Loader struct {
	envPrefix string
	filePath  string
	lookupEnv func(string) (string, bool)
}

// New returns a Loader that reads environment variables only.
func New() *Loader {
	return &Loader{lookupEnv: os.LookupEnv}
}

// WithEnvPrefix prepends PREFIX_ to every environment variable name. The
// prefix is uppercased.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile adds a .yaml, .yml, or .json file layer. A missing file is not
// an error.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// Load populates cfg, which must be a non-nil pointer to a struct.
//
// Loading failures carry [sserr.CodeInternalConfiguration]; a missing
// required field carries [sserr.CodeValidationRequired]; a failing
// [Validator] is returned as-is when it is already an *sserr.Error and
// wrapped with [sserr.CodeValidation] otherwise.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	root := rv.Elem()

	err := walk(root, "", "", func(f field) error {
		tag := f.sf.Tag.Get("envDefault")
		if tag == "" || !f.v.IsZero() {
			return nil
		}
		if err := setField(f.v, tag); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: invalid default for %q", f.path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}

	err = walk(root, l.envPrefix, "", func(f field) error {
		if f.envKey == "" {
			return nil
		}
		val, ok := l.lookupEnv(f.envKey)
		if !ok {
			return nil
		}
		if err := setField(f.v, val); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: invalid value in %s for %q", f.envKey, f.path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = walk(root, l.envPrefix, "", func(f field) error {
		if f.sf.Tag.Get("required") == "true" && f.v.IsZero() {
			hint := f.envKey
			if hint == "" {
				hint = "no env var"
			}
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty (%s)", f.path, hint)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			if _, isSSErr := sserr.AsError(err); isSSErr {
				return err
			}
			return sserr.Wrap(err, sserr.CodeValidation, "config: validation failed")
		}
	}
	return nil
}

// MustLoad loads a T and panics on failure.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain '..'")
	}
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read %q", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q", ext)
	}
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to parse %q", l.filePath)
	}
	return nil
}

// field is a settable leaf of the configuration struct.
type field struct {
	v      reflect.Value
	sf     reflect.StructField
	path   string
	envKey string
}

// walk visits every settable leaf field. Nested structs (other than
// time.Duration) are descended into; their env tag extends the prefix.
func walk(rv reflect.Value, prefix, path string, visit func(field) error) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		v := rv.Field(i)
		sf := rt.Field(i)
		if !v.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}
		envTag := sf.Tag.Get("env")

		if v.Kind() == reflect.Struct && sf.Type != durationType {
			if err := walk(v, joinEnv(prefix, envTag), fieldPath, visit); err != nil {
				return err
			}
			continue
		}

		var envKey string
		if envTag != "" {
			envKey = joinEnv(prefix, envTag)
		}
		if err := visit(field{v: v, sf: sf, path: fieldPath, envKey: envKey}); err != nil {
			return err
		}
	}
	return nil
}

func joinEnv(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	default:
		return prefix + "_" + name
	}
}

// setField parses value into v. Supported kinds: string (including named
// string types such as auth.Secret), bool, signed integers,
// time.Duration, and []string (comma separated).
func setField(v reflect.Value, value string) error {
	if v.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		v.SetInt(int64(d))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		v.SetInt(n)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", v.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		slice := reflect.MakeSlice(v.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(p)
		}
		v.Set(slice)
	default:
		return fmt.Errorf("unsupported field type %s", v.Kind())
	}
	return nil
}
