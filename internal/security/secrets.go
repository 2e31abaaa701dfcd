package security

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ErrSecretNotFound is returned when a logical secret name has no binding.
var ErrSecretNotFound = errors.New("secret not found")

// SecretResolver maps a logical secret name to its value. Values are resolved
// at stage invocation time and are never stored.
type SecretResolver interface {
	Resolve(name string) (string, error)
}

// EnvName converts a logical name to an environment variable name: it is
// upper-cased and every character outside [A-Z0-9_] becomes '_'.
func EnvName(name string) string {
	var b strings.Builder
	for _, c := range strings.ToUpper(name) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// EnvSecrets resolves secrets from environment variables named
// Prefix+EnvName(name).
type EnvSecrets struct {
	Prefix string
}

func (e EnvSecrets) Resolve(name string) (string, error) {
	key := e.Prefix + EnvName(name)
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("%w: %s (env %s)", ErrSecretNotFound, name, key)
	}
	return v, nil
}

// MapSecrets resolves secrets from a fixed map.
type MapSecrets map[string]string

func (m MapSecrets) Resolve(name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

const redacted = "***"

// Redactor masks secret values in text.
type Redactor struct {
	values []string
}

// NewRedactor returns a Redactor for the given values. Empty values are ignored
// and longer values are replaced first so overlapping secrets mask fully.
func NewRedactor(values ...string) *Redactor {
	r := &Redactor{}
	for _, v := range values {
		if v != "" {
			r.values = append(r.values, v)
		}
	}
	sort.Slice(r.values, func(i, j int) bool { return len(r.values[i]) > len(r.values[j]) })
	return r
}

// Redact replaces every secret value in s.
func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, redacted)
	}
	return s
}
