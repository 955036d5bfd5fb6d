// Package secrets resolves secret handles ("file:<path>", "env:<VAR>") and
// keeps every resolved value out of logs and reports.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/engine"
)

// Mask replaces secret values in redacted text.
const Mask = "[REDACTED]"

// minRedactLen avoids masking trivially short values such as "1".
const minRedactLen = 4

// ErrUnresolved is returned when a handle does not yield a value.
var ErrUnresolved = errors.New("secret could not be resolved")

// Resolver reads secret values from their handles and registers every value
// it returns with its Redactor.
type Resolver struct {
	baseDir  string
	lookup   func(string) (string, bool)
	redactor *Redactor
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithBaseDir resolves relative file: handles against dir.
func WithBaseDir(dir string) Option {
	return func(r *Resolver) {
		r.baseDir = dir
	}
}

// WithLookupEnv replaces os.LookupEnv, for tests.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.lookup = fn
		}
	}
}

// NewResolver creates a resolver feeding redactor. A nil redactor gets a
// private one.
func NewResolver(redactor *Redactor, opts ...Option) *Resolver {
	if redactor == nil {
		redactor = NewRedactor()
	}
	r := &Resolver{lookup: os.LookupEnv, redactor: redactor}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Redactor returns the redactor values are registered with.
func (r *Resolver) Redactor() *Redactor {
	return r.redactor
}

// Resolve returns the value behind a handle.
func (r *Resolver) Resolve(ref string) (string, error) {
	scheme, target, err := config.ParseSecretRef(ref)
	if err != nil {
		return "", err
	}

	var value string
	switch scheme {
	case "env":
		v, ok := r.lookup(target)
		if !ok {
			return "", fmt.Errorf("%w: environment variable %s is not set", ErrUnresolved, target)
		}
		value = v
	case "file":
		path := target
		if !filepath.IsAbs(path) && r.baseDir != "" {
			path = filepath.Join(r.baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
		}
		value = strings.TrimRight(string(data), "\r\n")
	}
	if value == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrUnresolved, ref)
	}
	r.redactor.Add(value)
	return value, nil
}

// Secret resolves the named secret of cfg.
func (r *Resolver) Secret(cfg *config.Provisioning, name string) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("%w: no configuration", ErrUnresolved)
	}
	ref, ok := cfg.SecretRefs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s is not referenced", ErrUnresolved, name)
	}
	value, err := r.Resolve(ref)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", name, err)
	}
	return value, nil
}

// Admit implements engine.Admitter: every referenced secret must resolve.
func (r *Resolver) Admit(_ context.Context, cfg *config.Provisioning) error {
	var problems []string
	for _, name := range cfg.SecretNames() {
		if _, err := r.Secret(cfg, name); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return engine.NewInvalidConfigurationError(
		"secret references do not resolve: "+strings.Join(problems, "; "), nil).
		WithCode(engine.ErrCodeSecret)
}

// Redactor masks known secret values in text.
type Redactor struct {
	mu     sync.RWMutex
	values map[string]struct{}
	// sorted longest first so overlapping values mask fully
	sorted []string
}

// NewRedactor creates an empty redactor.
func NewRedactor() *Redactor {
	return &Redactor{values: make(map[string]struct{})}
}

// Add registers a value to mask.
func (r *Redactor) Add(value string) {
	if len(value) < minRedactLen {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.values[value]; ok {
		return
	}
	r.values[value] = struct{}{}
	r.sorted = append(r.sorted, value)
	sort.Slice(r.sorted, func(i, j int) bool { return len(r.sorted[i]) > len(r.sorted[j]) })
}

// Redact returns s with every registered value replaced by Mask.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.sorted {
		if strings.Contains(s, v) {
			s = strings.ReplaceAll(s, v, Mask)
		}
	}
	return s
}
