package offer

import (
	"github.com/smallbiznis/commerce/internal/offer/domain"
	"github.com/smallbiznis/commerce/internal/offer/repository"
	"github.com/smallbiznis/commerce/internal/offer/service"
	pkgrepo "github.com/smallbiznis/commerce/pkg/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("offer.service",
	fx.Provide(repository.Provide),
	fx.Provide(pkgrepo.ProvideStore[domain.Product]),
	fx.Provide(pkgrepo.ProvideStore[domain.Price]),
	fx.Provide(service.NewService),
)
