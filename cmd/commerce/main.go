package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/audit"
	"github.com/smallbiznis/commerce/internal/checkout"
	checkoutdomain "github.com/smallbiznis/commerce/internal/checkout/domain"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/config"
	"github.com/smallbiznis/commerce/internal/invoice"
	"github.com/smallbiznis/commerce/internal/lock"
	"github.com/smallbiznis/commerce/internal/migration"
	"github.com/smallbiznis/commerce/internal/observability"
	"github.com/smallbiznis/commerce/internal/offer"
	"github.com/smallbiznis/commerce/internal/payment"
	"github.com/smallbiznis/commerce/internal/reconcile"
	reconciledomain "github.com/smallbiznis/commerce/internal/reconcile/domain"
	"github.com/smallbiznis/commerce/internal/subscription"
	"github.com/smallbiznis/commerce/internal/tax"
	"github.com/smallbiznis/commerce/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		migration.Module,

		// Functional Domains
		audit.Module,
		offer.Module,
		tax.Module,
		invoice.Module,
		payment.Module,
		subscription.Module,
		checkout.Module,
		reconcile.Module,

		fx.Invoke(func(_ checkoutdomain.Service, _ reconciledomain.Ingester, holder *config.CommerceConfigHolder, log *zap.Logger) {
			log.Info("commerce core ready", zap.Int("sites", len(holder.Get().Sites)))
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
