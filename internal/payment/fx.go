package payment

import (
	invoicedomain "github.com/smallbiznis/commerce/internal/invoice/domain"
	"github.com/smallbiznis/commerce/internal/payment/adapters/authorizenet"
	"github.com/smallbiznis/commerce/internal/payment/adapters/stripe"
	"github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/smallbiznis/commerce/internal/payment/gateway"
	"github.com/smallbiznis/commerce/internal/payment/repository"
	"github.com/smallbiznis/commerce/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *gateway.Registry {
		return gateway.NewRegistry(
			stripe.NewFactory(),
			authorizenet.NewFactory(),
		)
	}),
	fx.Provide(gateway.NewRouter),
	fx.Provide(func(r *gateway.Router) domain.GatewaySource { return r }),
	fx.Provide(func(r *gateway.Router) domain.DecoderSource { return r }),
	fx.Provide(service.NewService),
	fx.Provide(func(svc domain.Service) invoicedomain.Ownership { return svc }),
)
