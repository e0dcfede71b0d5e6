package reconcile

import (
	"github.com/smallbiznis/commerce/internal/reconcile/service"
	"github.com/smallbiznis/commerce/internal/reconcile/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile.service",
	fx.Provide(service.NewEngine),
	fx.Provide(webhook.NewService),
)
