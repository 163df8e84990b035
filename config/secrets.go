package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
)

// SecretProvider resolves secret references for a given scheme.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry maps schemes to providers.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry creates a registry with the env and file providers.
func NewSecretRegistry() *SecretRegistry {
	r := &SecretRegistry{providers: make(map[string]SecretProvider)}
	r.Register(EnvProvider{})
	r.Register(&FileProvider{})
	return r
}

// Register adds a provider, replacing any provider for the same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve delegates to the provider registered for scheme.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// EnvProvider resolves ${env:NAME} from the process environment.
type EnvProvider struct{}

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileProvider resolves ${file:/path} by reading the file. Trailing
// whitespace is trimmed.
type FileProvider struct {
	// AllowedPrefixes restricts readable paths. Empty allows any path.
	AllowedPrefixes []string
}

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if len(p.AllowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range p.AllowedPrefixes {
			if strings.HasPrefix(ref, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("file path %q not under any allowed prefix", ref)
		}
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

// secretRefPattern matches a whole-value reference such as ${env:REDIS_PASSWORD}.
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// resolveSecretRefs replaces every ${scheme:ref} string in cfg, including
// string map values such as transport headers.
func resolveSecretRefs(ctx context.Context, cfg *Config, registry *SecretRegistry) error {
	var resolveErr error
	walkStrings(reflect.ValueOf(cfg), "", func(get func() string, set func(string), path string, _ reflect.StructTag) {
		if resolveErr != nil {
			return
		}
		m := secretRefPattern.FindStringSubmatch(get())
		if m == nil {
			return
		}
		resolved, err := registry.Resolve(ctx, m[1], m[2])
		if err != nil {
			resolveErr = fmt.Errorf("resolving %s: %w", path, err)
			return
		}
		set(resolved)
	})
	return resolveErr
}

type stringVisitor func(get func() string, set func(string), path string, tag reflect.StructTag)

// walkStrings visits every settable string field, every string slice
// element and every map[string]string value reachable from v.
func walkStrings(v reflect.Value, path string, fn stringVisitor) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			walkStrings(v.Elem(), path, fn)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f, sf := v.Field(i), t.Field(i)
			if !f.CanSet() {
				continue
			}
			fieldPath := sf.Name
			if path != "" {
				fieldPath = path + "." + sf.Name
			}
			switch f.Kind() {
			case reflect.String:
				fn(f.String, f.SetString, fieldPath, sf.Tag)
			case reflect.Struct, reflect.Ptr:
				walkStrings(f, fieldPath, fn)
			case reflect.Slice:
				if f.Type().Elem().Kind() != reflect.String {
					continue
				}
				for j := 0; j < f.Len(); j++ {
					el := f.Index(j)
					fn(el.String, el.SetString, fmt.Sprintf("%s[%d]", fieldPath, j), sf.Tag)
				}
			case reflect.Map:
				if f.IsNil() || f.Type().Key().Kind() != reflect.String || f.Type().Elem().Kind() != reflect.String {
					continue
				}
				for _, key := range f.MapKeys() {
					k := key
					fn(
						func() string { return f.MapIndex(k).String() },
						func(s string) { f.SetMapIndex(k, reflect.ValueOf(s).Convert(f.Type().Elem())) },
						fmt.Sprintf("%s[%s]", fieldPath, k.String()),
						sf.Tag,
					)
				}
			}
		}
	}
}
