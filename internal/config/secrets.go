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

// NewSecretRegistry returns a registry with the env and file providers.
func NewSecretRegistry() *SecretRegistry {
	r := &SecretRegistry{providers: make(map[string]SecretProvider)}
	r.Register(EnvProvider{})
	r.Register(&FileProvider{})
	return r
}

// Register adds p, replacing any provider for the same scheme.
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

// EnvProvider resolves ${env:NAME} from the environment.
type EnvProvider struct{}

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileProvider resolves ${file:/path} to the trimmed file contents.
type FileProvider struct {
	// AllowedPrefixes restricts readable paths. Empty allows all.
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

// secretRefPattern matches a whole-value reference: ${scheme:reference}.
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// resolveSecretRefs replaces every ${scheme:ref} string field in cfg.
func resolveSecretRefs(ctx context.Context, cfg *Config, registry *SecretRegistry) error {
	var firstErr error
	walkStrings(reflect.ValueOf(cfg), "", func(field reflect.Value, path string, _ reflect.StructTag) {
		if firstErr != nil {
			return
		}
		m := secretRefPattern.FindStringSubmatch(field.String())
		if m == nil {
			return
		}
		resolved, err := registry.Resolve(ctx, m[1], m[2])
		if err != nil {
			firstErr = fmt.Errorf("resolving %s: %w", path, err)
			return
		}
		field.SetString(resolved)
	})
	return firstErr
}

type stringVisitor func(field reflect.Value, path string, tag reflect.StructTag)

// walkStrings visits every settable string field reachable through
// pointers, structs and slices of structs.
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
				fn(f, fieldPath, sf.Tag)
			case reflect.Struct, reflect.Ptr:
				walkStrings(f, fieldPath, fn)
			case reflect.Slice:
				if f.Type().Elem().Kind() != reflect.Struct {
					continue
				}
				for j := 0; j < f.Len(); j++ {
					walkStrings(f.Index(j), fmt.Sprintf("%s[%d]", fieldPath, j), fn)
				}
			}
		}
	}
}
