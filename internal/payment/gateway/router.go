package gateway

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/config"
	"github.com/smallbiznis/commerce/internal/payment/domain"
	"go.uber.org/zap"
)

// Router resolves the adapter of every configured site once. Sites are
// fixed for the process lifetime; credential changes need a restart.
type Router struct {
	adapters map[snowflake.ID]domain.Adapter
}

func NewRouter(registry *Registry, holder *config.CommerceConfigHolder, log *zap.Logger) (*Router, error) {
	log = log.Named("payment.gateway")
	router := &Router{adapters: map[snowflake.ID]domain.Adapter{}}
	if holder == nil {
		return router, nil
	}
	for _, site := range holder.Get().Sites {
		siteID := snowflake.ID(site.ID)
		adapter, err := registry.New(configFor(siteID, site.Gateway))
		if err != nil {
			return nil, fmt.Errorf("site %d gateway %q: %w", site.ID, site.Gateway.Provider, err)
		}
		router.adapters[siteID] = adapter
		log.Info("payment gateway configured",
			zap.Int64("site_id", site.ID),
			zap.String("provider", adapter.Provider()),
			zap.Bool("sandbox", site.Gateway.Sandbox),
		)
	}
	return router, nil
}

// NewStaticRouter serves fixed adapters.
func NewStaticRouter(adapters map[snowflake.ID]domain.Adapter) *Router {
	router := &Router{adapters: map[snowflake.ID]domain.Adapter{}}
	for siteID, adapter := range adapters {
		router.adapters[siteID] = adapter
	}
	return router
}

func (r *Router) Gateway(siteID snowflake.ID) (domain.Gateway, error) {
	return r.adapter(siteID)
}

func (r *Router) Decoder(siteID snowflake.ID) (domain.EventDecoder, error) {
	return r.adapter(siteID)
}

func (r *Router) adapter(siteID snowflake.ID) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrGatewayNotConfigured
	}
	adapter, ok := r.adapters[siteID]
	if !ok {
		return nil, domain.ErrGatewayNotConfigured
	}
	return adapter, nil
}

func configFor(siteID snowflake.ID, cfg config.GatewayConfig) domain.Config {
	return domain.Config{
		SiteID:         siteID,
		Provider:       cfg.Provider,
		SecretKey:      cfg.SecretKey,
		APILoginID:     cfg.APILoginID,
		TransactionKey: cfg.TransactionKey,
		WebhookSecret:  cfg.WebhookSecret,
		Sandbox:        cfg.Sandbox,
		Endpoint:       cfg.Endpoint,
	}
}
