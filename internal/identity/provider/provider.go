package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
)

var ErrUnknownProvider = errors.New("unknown federated provider")

// OAuthProvider defines the contract every federated sign-in provider
// must implement. Implementations return identity facts only and
// must not perform account creation, linking, or session management.
type OAuthProvider interface {
	// Name returns the provider identifier (e.g. "google").
	Name() string

	// AuthCodeURL returns the authorization URL.
	// State and PKCE parameters are provided by the caller.
	AuthCodeURL(state string, codeChallenge string) string

	// ExchangeCode exchanges the authorization code and returns a normalized
	// identity. No auth decisions are made here.
	ExchangeCode(ctx context.Context, code string, codeVerifier string) (*entity.FederatedIdentity, error)
}

// Registry holds all configured providers and allows lookup by name.
type Registry struct {
	providers map[string]OAuthProvider
}

// NewRegistry registers the given providers by name. Nil entries are skipped
// so optional providers can be passed unconditionally.
func NewRegistry(list ...OAuthProvider) *Registry {
	m := make(map[string]OAuthProvider)
	for _, p := range list {
		if p == nil {
			continue
		}
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Get returns the provider by name or ErrUnknownProvider.
func (r *Registry) Get(name string) (OAuthProvider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}
