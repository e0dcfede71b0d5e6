package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	invoicedomain "github.com/smallbiznis/commerce/internal/invoice/domain"
	"github.com/smallbiznis/commerce/internal/observability/logger"
	"github.com/smallbiznis/commerce/internal/observability/metrics"
	"github.com/smallbiznis/commerce/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/smallbiznis/commerce/internal/reconcile/domain"
	"github.com/smallbiznis/commerce/internal/schedule"
	subscriptiondomain "github.com/smallbiznis/commerce/internal/subscription/domain"
	"github.com/smallbiznis/commerce/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Invoices      invoicedomain.Service
	Payments      paymentdomain.Service
	Subscriptions subscriptiondomain.Service

	Metrics *metrics.Metrics `optional:"true"`
}

type handler func(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event, log *zap.Logger) (domain.Outcome, error)

type Engine struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	invoices      invoicedomain.Service
	payments      paymentdomain.Service
	subscriptions subscriptiondomain.Service
	metrics       *metrics.Metrics
	handlers      map[paymentdomain.EventKind]handler
}

func NewEngine(p Params) domain.Engine {
	e := &Engine{
		db:            p.DB,
		log:           p.Log.Named("reconcile.engine"),
		clock:         p.Clock,
		invoices:      p.Invoices,
		payments:      p.Payments,
		subscriptions: p.Subscriptions,
		metrics:       p.Metrics,
	}
	e.handlers = map[paymentdomain.EventKind]handler{
		paymentdomain.EventInvoicePaid:             e.invoicePaid,
		paymentdomain.EventSubscriptionInvoicePaid: e.subscriptionInvoicePaid,
		paymentdomain.EventSubscriptionDeleted:     e.subscriptionStatus,
		paymentdomain.EventSubscriptionUpdated:     e.subscriptionStatus,
	}
	return e
}

func (e *Engine) Reconcile(ctx context.Context, event *paymentdomain.Event) (result domain.Result) {
	if event == nil {
		return domain.Result{Handled: true, Outcome: domain.OutcomeIgnored}
	}
	ctx, span := tracing.Start(ctx, "reconcile.event",
		attribute.String("event.provider", event.Provider),
		attribute.String("event.kind", string(event.Kind)),
	)
	log := logger.WithContext(ctx, e.log).With(
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("kind", string(event.Kind)),
	)
	var failure error
	defer func() {
		if r := recover(); r != nil {
			log.Error("reconcile panicked", zap.Any("panic", r), zap.Stack("stack"))
			result = domain.Result{Handled: false, Outcome: domain.OutcomeFailed}
			failure = fmt.Errorf("reconcile panicked: %v", r)
		}
		e.metrics.RecordReconcile(ctx, string(event.Kind), string(result.Outcome))
		span.SetAttributes(attribute.String("reconcile.outcome", string(result.Outcome)))
		tracing.End(span, failure)
	}()

	handle, ok := e.handlers[event.Kind]
	if !ok {
		log.Info("ignoring event kind", zap.String("provider_type", event.ProviderType))
		return domain.Result{Handled: true, Outcome: domain.OutcomeIgnored}
	}

	var outcome domain.Outcome
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = handle(ctx, tx, event, log)
		return err
	})
	switch {
	case err == nil:
		log.Info("event reconciled", zap.String("outcome", string(outcome)))
		return domain.Result{Handled: true, Outcome: outcome}
	case db.IsDuplicateKeyErr(err), commerceerr.IsConsistency(err):
		log.Info("event already applied by a concurrent writer", zap.Error(err))
		return domain.Result{Handled: true, Outcome: domain.OutcomeDuplicate}
	case commerceerr.IsNotFound(err), commerceerr.IsValidation(err):
		log.Warn("event refers to unknown or unusable records", zap.Error(err))
		return domain.Result{Handled: true, Outcome: domain.OutcomeSkipped}
	default:
		log.Error("event reconcile failed", zap.Error(err))
		failure = err
		return domain.Result{Handled: false, Outcome: domain.OutcomeFailed}
	}
}

// invoicePaid imports a provider invoice that was not raised by checkout and
// grants what it paid for.
func (e *Engine) invoicePaid(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event, log *zap.Logger) (domain.Outcome, error) {
	customer, err := e.payments.ResolveOwner(ctx, tx, event.Provider, event.CustomerRef)
	if err != nil {
		return "", err
	}
	siteID := customer.SiteID
	if event.SiteID != 0 && event.SiteID != siteID {
		return "", commerceerr.WithHint(paymentdomain.ErrInvalidCustomer,
			fmt.Sprintf("customer %s belongs to site %s", event.CustomerRef, siteID))
	}

	paidAt := event.OccurredAt
	if paidAt.IsZero() {
		paidAt = e.clock.Now()
	}
	inv, created, err := e.invoices.EnsureGatewayInvoice(ctx, tx, invoicedomain.GatewayInvoice{
		SiteID:           siteID,
		OwnerID:          customer.OwnerID,
		GatewayInvoiceID: event.GatewayInvoiceID,
		Currency:         event.Currency,
		Total:            event.Amount,
		OfferIDs:         offerIDs(event.Lines),
		PaidAt:           paidAt,
		ProviderData: map[string]any{
			"provider":          event.Provider,
			"provider_event_id": event.ProviderEventID,
		},
	})
	if err != nil {
		return "", err
	}
	if !event.Paid {
		log.Info("invoice not paid yet", zap.String("invoice_id", inv.ID.String()))
		return lo.Ternary(created, domain.OutcomeApplied, domain.OutcomeNoop), nil
	}

	chargeID := strings.TrimSpace(event.ChargeID)
	if chargeID == "" {
		chargeID = event.GatewayInvoiceID
	}
	payment, paymentCreated, err := e.payments.EnsurePayment(ctx, tx, paymentdomain.NewPayment{
		SiteID:    siteID,
		OwnerID:   customer.OwnerID,
		InvoiceID: inv.ID,
		Provider:  event.Provider,
		Amount:    event.Amount,
		Currency:  inv.Currency,
	}, chargeID)
	if err != nil {
		return "", err
	}

	written := 0
	if payment.Status.Settled() {
		for _, item := range inv.Items {
			itemID := item.ID
			n, err := e.payments.GrantReceipts(ctx, tx, paymentdomain.Grant{
				SiteID:        siteID,
				OwnerID:       customer.OwnerID,
				OrderItemID:   &itemID,
				OfferID:       item.OfferID,
				ProductIDs:    item.Offer.ProductIDs(),
				PaymentID:     &payment.ID,
				TransactionID: chargeID,
				StartAt:       paidAt,
				EndAt:         schedule.EntitlementEnd(item.Offer, paidAt),
			})
			if err != nil {
				return "", err
			}
			written += n
		}
	}

	log.Info("gateway invoice reconciled",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.Bool("invoice_created", created),
		zap.Bool("payment_created", paymentCreated),
		zap.Int("receipts_written", written),
	)
	if created || paymentCreated || written > 0 {
		return domain.OutcomeApplied, nil
	}
	return domain.OutcomeNoop, nil
}

// subscriptionInvoicePaid records a renewal of a known subscription. Renewals
// of unknown subscriptions never create invoices.
func (e *Engine) subscriptionInvoicePaid(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event, log *zap.Logger) (domain.Outcome, error) {
	sub, err := e.subscriptions.FindByGatewayID(ctx, tx, event.SubscriptionRef, true)
	if err != nil {
		return "", err
	}
	if sub == nil {
		log.Warn("renewal for unknown subscription", zap.String("subscription_ref", event.SubscriptionRef))
		return domain.OutcomeSkipped, nil
	}

	txnID := strings.TrimSpace(event.ChargeID)
	if txnID == "" {
		txnID = event.GatewayInvoiceID
	}
	res, err := e.subscriptions.Renew(ctx, tx, sub, subscriptiondomain.Renewal{
		TransactionID: txnID,
		Amount:        event.Amount,
		PaidAt:        event.OccurredAt,
	})
	if err != nil {
		return "", err
	}
	if !res.Renewed {
		return domain.OutcomeNoop, nil
	}
	if _, err := e.subscriptions.DeleteStalePayments(ctx, tx, sub); err != nil {
		return "", err
	}
	return domain.OutcomeApplied, nil
}

func (e *Engine) subscriptionStatus(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event, log *zap.Logger) (domain.Outcome, error) {
	sub, err := e.subscriptions.FindByGatewayID(ctx, tx, event.SubscriptionRef, true)
	if err != nil {
		return "", err
	}
	if sub == nil {
		log.Warn("status change for unknown subscription", zap.String("subscription_ref", event.SubscriptionRef))
		return domain.OutcomeSkipped, nil
	}

	status := subscriptiondomain.StatusCanceled
	if event.Kind != paymentdomain.EventSubscriptionDeleted {
		mapped, ok := subscriptiondomain.MapProviderStatus(event.Provider, event.Status)
		if !ok {
			log.Info("unmapped provider status", zap.String("status", event.Status))
			return domain.OutcomeIgnored, nil
		}
		status = mapped
	}

	changed, err := e.subscriptions.ApplyProviderStatus(ctx, tx, sub, status)
	if err != nil {
		return "", err
	}
	return lo.Ternary(changed, domain.OutcomeApplied, domain.OutcomeNoop), nil
}

// offerIDs repeats each line's offer id by its quantity.
func offerIDs(lines []paymentdomain.EventLine) []snowflake.ID {
	return lo.FlatMap(lines, func(line paymentdomain.EventLine, _ int) []snowflake.ID {
		return lo.Times(max(line.Quantity, 0), func(int) snowflake.ID { return line.OfferID })
	})
}
