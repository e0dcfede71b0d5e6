// Package gateway selects the payment adapter serving each site.
package gateway

import (
	"strings"

	"github.com/smallbiznis/commerce/internal/payment/domain"
)

// Registry holds adapter factories by lowercase provider name.
type Registry struct {
	factories map[string]domain.Factory
}

func NewRegistry(factories ...domain.Factory) *Registry {
	registry := &Registry{factories: map[string]domain.Factory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

func (r *Registry) New(cfg domain.Config) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrUnsupportedProvider
	}
	factory, ok := r.factories[normalize(cfg.Provider)]
	if !ok {
		return nil, domain.ErrUnsupportedProvider
	}
	cfg.Provider = normalize(cfg.Provider)
	return factory.New(cfg)
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
