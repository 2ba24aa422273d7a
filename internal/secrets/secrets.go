// Package secrets supplies opaque credential values to actions. The engine
// never inspects a Value; only the action runner reveals it, at the process
// boundary.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// ErrNotFound is returned for an unknown secret name.
var ErrNotFound = errors.New("secret not found")

const redacted = "***"

// Value is an opaque secret. Its String, JSON and log forms are redacted.
type Value struct {
	name  string
	plain string
}

// NewValue wraps plain under name.
func NewValue(name, plain string) Value { return Value{name: name, plain: plain} }

// Name returns the secret name.
func (v Value) Name() string { return v.name }

// Reveal returns the plaintext. Only action runners should call it.
func (v Value) Reveal() string { return v.plain }

func (v Value) String() string { return redacted }

func (v Value) GoString() string { return "secrets.Value(" + v.name + ")" }

func (v Value) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

func (v Value) LogValue() slog.Value { return slog.StringValue(redacted) }

// Provider resolves secret names.
type Provider interface {
	Lookup(ctx context.Context, name string) (Value, error)
}

// Static is an in-memory provider.
type Static map[string]string

func (s Static) Lookup(ctx context.Context, name string) (Value, error) {
	v, ok := s[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return NewValue(name, v), nil
}

// Env reads secrets from environment variables named Prefix+NAME.
type Env struct {
	Prefix string
}

func (e Env) Lookup(ctx context.Context, name string) (Value, error) {
	v, ok := os.LookupEnv(e.Prefix + name)
	if !ok {
		return Value{}, fmt.Errorf("%w: %s (env %s%s)", ErrNotFound, name, e.Prefix, name)
	}
	return NewValue(name, v), nil
}

// Redact replaces every revealed value in s with ***.
func Redact(s string, values []Value) string {
	plains := make([]string, 0, len(values))
	for _, v := range values {
		if v.plain != "" {
			plains = append(plains, v.plain)
		}
	}
	// Longest first so overlapping secrets redact fully.
	sort.Slice(plains, func(i, j int) bool { return len(plains[i]) > len(plains[j]) })
	for _, p := range plains {
		s = strings.ReplaceAll(s, p, redacted)
	}
	return s
}
