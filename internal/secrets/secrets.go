// Package secrets resolves credential references found in the config
// (planner API keys, notification channel tokens, SMTP passwords) into
// their values. A reference is "env://NAME", "vault://path#field", or a
// literal value.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// Secret holds resolved credential material. Never log or serialize Value.
type Secret struct {
	Value    string
	Metadata map[string]string // Backend details such as source and path.
}

// Provider resolves references for one scheme.
type Provider interface {
	// Scheme is the reference prefix the provider handles, without "://".
	Scheme() string
	Resolve(ctx context.Context, ref string) (*Secret, error)
}

// Resolver dispatches references to the provider registered for their
// scheme. References without a scheme are returned as literals.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a Resolver. The env provider is always registered.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: map[string]Provider{"env": NewEnvProvider()}}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// Resolve returns the secret behind ref.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Secret, error) {
	scheme, _, ok := strings.Cut(ref, "://")
	if !ok {
		return &Secret{Value: ref, Metadata: map[string]string{"source": "literal"}}, nil
	}
	p, ok := r.providers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for %s:// references", ErrSecretNotFound, scheme)
	}
	return p.Resolve(ctx, ref)
}

// Value is Resolve returning only the value. An empty ref yields "".
func (r *Resolver) Value(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	s, err := r.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	return s.Value, nil
}
