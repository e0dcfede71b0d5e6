package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/smallbiznis/commerce/internal/checkout/domain"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	invoicedomain "github.com/smallbiznis/commerce/internal/invoice/domain"
	"github.com/smallbiznis/commerce/internal/lock"
	"github.com/smallbiznis/commerce/internal/observability/logger"
	"github.com/smallbiznis/commerce/internal/observability/metrics"
	"github.com/smallbiznis/commerce/internal/observability/tracing"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/smallbiznis/commerce/internal/schedule"
	subscriptiondomain "github.com/smallbiznis/commerce/internal/subscription/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const authorizationLockTTL = 2 * time.Minute

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Invoices      invoicedomain.Service
	Payments      paymentdomain.Service
	Subscriptions subscriptiondomain.Service
	Gateways      paymentdomain.GatewaySource

	Locker  *lock.Locker     `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
	Hooks   domain.Hooks     `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	invoices      invoicedomain.Service
	payments      paymentdomain.Service
	subscriptions subscriptiondomain.Service
	gateways      paymentdomain.GatewaySource
	locker        *lock.Locker
	metrics       *metrics.Metrics
	hooks         domain.Hooks
	validate      *validator.Validate
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("checkout.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		invoices:      p.Invoices,
		payments:      p.Payments,
		subscriptions: p.Subscriptions,
		gateways:      p.Gateways,
		locker:        p.Locker,
		metrics:       p.Metrics,
		hooks:         p.Hooks,
		validate:      validator.New(),
	}
}

// attempt is the state of one Authorize call.
type attempt struct {
	invoice   *invoicedomain.Invoice
	breakdown *invoicedomain.Breakdown
	gateway   paymentdomain.Gateway
	method    paymentdomain.PaymentMethod
	address   paymentdomain.BillingAddress
	result    *domain.AuthorizeResult
	log       *zap.Logger
	// lead is the pending payment opened by the claim until a charge takes it.
	lead *paymentdomain.Payment
	// customerRef is set when a gateway call reported the provider customer.
	customerRef string
	// declines counts earlier attempts on the invoice the gateway turned
	// down. It is part of every idempotency key so a retry after a decline
	// is not answered with the stored decline.
	declines int64
}

func (a *attempt) enter(state domain.State) {
	a.result.States = append(a.result.States, state)
}

func (a *attempt) provider() string {
	return a.gateway.Provider()
}

// takeLead hands the claimed payment to the first charge. subscription
// selects a lead opened for a recurring line.
func (a *attempt) takeLead(subscription bool) *paymentdomain.Payment {
	lead := a.lead
	if lead == nil || (lead.SubscriptionID != nil) != subscription {
		return nil
	}
	a.lead = nil
	return lead
}

func (a *attempt) adoptCustomer(ref string) {
	if ref == "" {
		return
	}
	a.customerRef = ref
	a.method.CustomerRef = ref
}

func (s *Service) Authorize(ctx context.Context, req domain.AuthorizeRequest) (result *domain.AuthorizeResult, err error) {
	ctx, span := tracing.Start(ctx, "checkout.authorize", attribute.String("invoice.id", req.InvoiceID.String()))
	defer func() {
		if result != nil {
			span.SetAttributes(
				attribute.Bool("checkout.success", result.Success),
				attribute.String("invoice.status", string(result.InvoiceStatus)),
			)
		}
		tracing.End(span, err)
	}()

	if req.InvoiceID == 0 {
		return nil, domain.ErrInvalidRequest
	}

	lockKey := "invoice:" + req.InvoiceID.String()
	token, ok, err := s.locker.TryLock(ctx, lockKey, authorizationLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrAuthorizationInProgress
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			s.log.Warn("failed to release authorization lock", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	run := &attempt{
		method:  req.Method,
		address: req.Address,
		result: &domain.AuthorizeResult{
			InvoiceID: req.InvoiceID,
			States:    []domain.State{domain.StateInit},
		},
		log: logger.WithContext(ctx, s.log).With(zap.String("invoice_id", req.InvoiceID.String())),
	}

	free := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.invoices.Load(ctx, tx, req.InvoiceID, true)
		if err != nil {
			return err
		}
		if !inv.Status.InFlight() {
			return commerceerr.WithHint(domain.ErrInvoiceNotPayable, string(inv.Status))
		}
		if len(inv.Items) == 0 {
			return commerceerr.WithHint(domain.ErrInvoiceNotPayable, "invoice has no lines")
		}
		if inv.Status == invoicedomain.StatusCheckout {
			if err := s.expireAttempts(ctx, tx, inv); err != nil {
				return err
			}
		}
		declines, err := s.payments.DeclinedAttempts(ctx, tx, inv.ID)
		if err != nil {
			return err
		}
		run.declines = declines
		// Totals are written with a version check, so two claims racing on
		// the same snapshot cannot both commit.
		if err := s.invoices.UpdateTotals(ctx, tx, inv); err != nil {
			return err
		}
		breakdown, err := s.invoices.Breakdown(ctx, tx, inv)
		if err != nil {
			return err
		}
		run.invoice, run.breakdown = inv, breakdown

		if inv.Subtotal == 0 {
			free = true
			return s.settleFree(ctx, tx, run)
		}

		if err := s.validate.Struct(req); err != nil {
			return commerceerr.WithHint(domain.ErrInvalidPaymentDetails, err.Error())
		}
		gw, err := s.gateways.Gateway(inv.SiteID)
		if err != nil {
			return err
		}
		run.gateway = gw
		if run.method.CustomerRef == "" {
			ref, err := s.payments.CustomerRef(ctx, tx, inv.SiteID, inv.OwnerID, gw.Provider())
			if err != nil {
				return err
			}
			run.method.CustomerRef = ref
		}
		if inv.Status == invoicedomain.StatusCart {
			if err := s.invoices.Transition(ctx, tx, inv, invoicedomain.StatusCheckout); err != nil {
				return err
			}
		}
		return s.openLead(ctx, tx, run)
	})
	if errors.Is(err, invoicedomain.ErrVersionConflict) {
		return nil, domain.ErrAuthorizationInProgress
	}
	if err != nil {
		return nil, err
	}

	if free {
		run.enter(domain.StateOneTimeSettled)
		run.result.Success = true
		return s.finish(ctx, run, domain.FreeProvider, "free"), nil
	}

	run.enter(domain.StatePreAuth)
	if s.hooks != nil {
		if err := s.hooks.PreAuthorize(ctx, run.invoice); err != nil {
			run.log.Info("authorization rejected before gateway call", zap.Error(err))
			run.result.ErrorCode = "pre_authorize_rejected"
			run.result.ErrorMessage = commerceerr.UserMessage(err)
			return s.abandon(ctx, run)
		}
	}

	run.enter(domain.StateAuthorizing)
	settledAny := false
	if run.breakdown.ChargesOneTime() {
		settled, err := s.chargeOneTime(ctx, run, run.breakdown.OneTimeLines())
		if err != nil {
			return nil, err
		}
		if !settled {
			return s.abandon(ctx, run)
		}
		run.enter(domain.StateOneTimeSettled)
		settledAny = true
	}

	if lines := run.breakdown.RecurringLines(); len(lines) > 0 {
		settled, err := s.chargeRecurring(ctx, run, lines)
		if err != nil {
			return nil, err
		}
		if settled < len(lines) {
			if !settledAny && settled == 0 {
				return s.abandon(ctx, run)
			}
			run.enter(domain.StateFailed)
			return s.finish(ctx, run, run.provider(), "partial"), nil
		}
		run.enter(domain.StateSubscriptionsSettled)
	}

	run.result.Success = true
	return s.finish(ctx, run, run.provider(), "settled"), nil
}

// expireAttempts rejects the call while an earlier attempt on inv still holds
// a pending payment younger than the lock window. Older pending payments
// belong to an attempt that never finished and are failed so the checkout
// session can be resumed.
func (s *Service) expireAttempts(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice) error {
	pending, err := s.payments.PendingPayments(ctx, tx, inv.ID)
	if err != nil {
		return err
	}
	cutoff := s.clock.Now().Add(-authorizationLockTTL)
	for _, payment := range pending {
		if payment.CreatedAt.After(cutoff) {
			return domain.ErrAuthorizationInProgress
		}
	}
	for i := range pending {
		payment := &pending[i]
		gwErr := paymentdomain.NewGatewayError(payment.Provider, paymentdomain.CodeAbandoned, "The previous payment attempt did not finish.", "", nil)
		if err := s.payments.Fail(ctx, tx, payment, gwErr); err != nil {
			return err
		}
		logger.WithContext(ctx, s.log).Warn("expired unfinished payment",
			zap.String("invoice_id", inv.ID.String()),
			zap.String("payment_id", payment.ID.String()),
			zap.Time("created_at", payment.CreatedAt),
		)
	}
	return nil
}

// openLead records the first payment of the attempt inside the claim. Its
// presence marks the invoice as taken for any concurrent caller.
func (s *Service) openLead(ctx context.Context, tx *gorm.DB, run *attempt) error {
	inv := run.invoice
	req := paymentdomain.NewPayment{
		SiteID:    inv.SiteID,
		OwnerID:   inv.OwnerID,
		InvoiceID: inv.ID,
		Provider:  run.provider(),
		Currency:  run.breakdown.Currency,
	}
	switch recurring := run.breakdown.RecurringLines(); {
	case run.breakdown.ChargesOneTime():
		req.Amount = run.breakdown.OneTimeAmount
	case len(recurring) > 0:
		subscriptionID := s.genID.Generate()
		req.SubscriptionID = &subscriptionID
		req.Amount = recurring[0].RecurringAmount
	default:
		return nil
	}
	lead, err := s.payments.CreatePending(ctx, tx, req)
	if err != nil {
		return err
	}
	run.lead = lead
	return nil
}

// settleFree completes a zero-subtotal invoice without any gateway call.
func (s *Service) settleFree(ctx context.Context, tx *gorm.DB, run *attempt) error {
	inv := run.invoice
	payment, err := s.payments.CreatePending(ctx, tx, paymentdomain.NewPayment{
		SiteID:    inv.SiteID,
		OwnerID:   inv.OwnerID,
		InvoiceID: inv.ID,
		Provider:  domain.FreeProvider,
		Amount:    0,
		Currency:  run.breakdown.Currency,
	})
	if err != nil {
		return err
	}
	txnID := "free-" + payment.ID.String()
	if err := s.payments.Settle(ctx, tx, payment, paymentdomain.Settlement{TransactionID: txnID}); err != nil {
		return err
	}
	run.result.Payments = append(run.result.Payments, *payment)

	now := s.clock.Now()
	for _, line := range run.breakdown.Lines {
		written, err := s.payments.GrantReceipts(ctx, tx, s.grant(run, line, &payment.ID, txnID, now, schedule.EntitlementEnd(line.Item.Offer, now)))
		if err != nil {
			return err
		}
		run.result.ReceiptsWritten += written
	}

	if inv.Status == invoicedomain.StatusCart {
		if err := s.invoices.Transition(ctx, tx, inv, invoicedomain.StatusCheckout); err != nil {
			return err
		}
	}
	return s.invoices.Transition(ctx, tx, inv, invoicedomain.StatusComplete)
}

func (s *Service) chargeOneTime(ctx context.Context, run *attempt, lines []invoicedomain.LineCharge) (bool, error) {
	inv := run.invoice
	amount := run.breakdown.OneTimeAmount
	payment := run.takeLead(false)
	if payment == nil {
		var err error
		payment, err = s.payments.CreatePending(ctx, s.db, paymentdomain.NewPayment{
			SiteID:    inv.SiteID,
			OwnerID:   inv.OwnerID,
			InvoiceID: inv.ID,
			Provider:  run.provider(),
			Amount:    amount,
			Currency:  run.breakdown.Currency,
		})
		if err != nil {
			return false, err
		}
	}

	txnID := "free-" + payment.ID.String()
	var raw map[string]any
	if amount > 0 {
		key := idempotencyKey(inv.ID.String(), strconv.FormatInt(run.declines, 10), "one_time",
			strconv.FormatInt(amount, 10), run.breakdown.Currency, run.method.Token)
		res, callErr := run.gateway.AuthorizeOneTime(ctx, paymentdomain.ChargeRequest{
			IdempotencyKey: key,
			InvoiceID:      inv.ID,
			OwnerID:        inv.OwnerID,
			Amount:         amount,
			Currency:       run.breakdown.Currency,
			Description:    "Invoice " + inv.ID.String(),
			CustomerRef:    run.method.CustomerRef,
			Method:         run.method,
			Address:        run.address,
			Metadata:       chargeMetadata(inv, payment, lines),
		})
		var (
			success bool
			txn     string
		)
		if res != nil {
			success, txn = res.Success, res.TransactionID
		}
		if gwErr := gatewayFailure(run.provider(), callErr, success, txn); gwErr != nil {
			return false, s.failPayment(ctx, run, payment, gwErr)
		}
		run.adoptCustomer(res.CustomerRef)
		txnID, raw = res.TransactionID, res.Raw
	}

	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := s.payments.Settle(ctx, tx, payment, paymentdomain.Settlement{
			TransactionID: txnID,
			ProviderData:  providerData(raw, run.method),
		})
		if err != nil {
			return err
		}
		for _, line := range lines {
			written, err := s.payments.GrantReceipts(ctx, tx, s.grant(run, line, &payment.ID, txnID, now, schedule.EntitlementEnd(line.Item.Offer, now)))
			if err != nil {
				return err
			}
			run.result.ReceiptsWritten += written
		}
		if err := s.recordCustomer(ctx, tx, run); err != nil {
			return err
		}
		return s.complete(ctx, tx, run)
	})
	if err != nil {
		run.log.Error("one-time charge settled at gateway but not recorded",
			zap.String("transaction_id", txnID),
			zap.Error(err),
		)
		return false, err
	}

	run.result.Payments = append(run.result.Payments, *payment)
	run.log.Info("one-time charge settled",
		zap.String("payment_id", payment.ID.String()),
		zap.String("transaction_id", txnID),
		zap.Int64("amount", amount),
	)
	return true, nil
}

// chargeRecurring subscribes every recurring line and returns how many
// settled. The first failure ends the recurring path.
func (s *Service) chargeRecurring(ctx context.Context, run *attempt, lines []invoicedomain.LineCharge) (int, error) {
	valid, err := run.gateway.ValidateCard(ctx, run.method)
	if err != nil || !valid {
		gwErr := paymentdomain.AsGatewayError(run.provider(), err)
		if gwErr == nil {
			gwErr = paymentdomain.NewGatewayError(run.provider(), "card_invalid", "The card could not be verified.", "", nil)
		}
		run.log.Info("card validation failed, skipping subscriptions", zap.String("code", gwErr.Code))
		run.result.ErrorCode = gwErr.Code
		run.result.ErrorMessage = gwErr.UserMessage
		return 0, nil
	}

	settled := 0
	for _, line := range lines {
		ok, err := s.subscribe(ctx, run, line)
		if err != nil {
			return settled, err
		}
		if !ok {
			break
		}
		settled++
	}
	return settled, nil
}

func (s *Service) subscribe(ctx context.Context, run *attempt, line invoicedomain.LineCharge) (bool, error) {
	inv := run.invoice
	offer := line.Item.Offer
	payment := run.takeLead(true)
	if payment == nil {
		subscriptionID := s.genID.Generate()
		var err error
		payment, err = s.payments.CreatePending(ctx, s.db, paymentdomain.NewPayment{
			SiteID:         inv.SiteID,
			OwnerID:        inv.OwnerID,
			InvoiceID:      inv.ID,
			SubscriptionID: &subscriptionID,
			Provider:       run.provider(),
			Amount:         line.RecurringAmount,
			Currency:       run.breakdown.Currency,
		})
		if err != nil {
			return false, err
		}
	}
	subscriptionID := *payment.SubscriptionID
	key := idempotencyKey(inv.ID.String(), strconv.FormatInt(run.declines, 10), "subscription",
		line.Item.ID.String(), strconv.FormatInt(line.RecurringAmount, 10), run.breakdown.Currency, run.method.Token)

	req := paymentdomain.SubscriptionRequest{
		IdempotencyKey: key,
		InvoiceID:      inv.ID,
		OwnerID:        inv.OwnerID,
		OfferID:        offer.ID,
		ProductRef:     offer.ID.String(),
		Name:           offer.Name,
		Amount:         line.RecurringAmount,
		Currency:       run.breakdown.Currency,
		PeriodUnit:     string(offer.PeriodUnit),
		PeriodCount:    periodCount(offer),
		Occurrences:    offer.Occurrences,
		StartAt:        line.StartAt,
		CustomerRef:    run.method.CustomerRef,
		Method:         run.method,
		Address:        run.address,
		Metadata:       chargeMetadata(inv, payment, []invoicedomain.LineCharge{line}),
	}
	if line.Trial {
		req.TrialOccurrences = offer.TrialOccurrences
		req.TrialDays = offer.TrialDays
		req.TrialAmount = offer.TrialAmount * int64(line.Item.Quantity)
	}

	res, callErr := run.gateway.AuthorizeSubscription(ctx, req)
	var (
		success bool
		ref     string
	)
	if res != nil {
		success, ref = res.Success, res.GatewayID
	}
	if gwErr := gatewayFailure(run.provider(), callErr, success, ref); gwErr != nil {
		return false, s.failPayment(ctx, run, payment, gwErr)
	}
	run.adoptCustomer(res.CustomerRef)

	txnID := res.TransactionID
	if txnID == "" {
		txnID = res.GatewayID
	}
	status, ok := subscriptiondomain.MapProviderStatus(run.provider(), res.Status)
	if !ok {
		status = subscriptiondomain.StatusActive
	}

	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, _, err := s.subscriptions.Create(ctx, tx, &subscriptiondomain.Subscription{
			ID:          subscriptionID,
			SiteID:      inv.SiteID,
			OwnerID:     inv.OwnerID,
			OfferID:     offer.ID,
			InvoiceID:   inv.ID,
			Provider:    run.provider(),
			GatewayID:   res.GatewayID,
			Status:      status,
			AutoRenew:   true,
			Amount:      line.RecurringAmount,
			Currency:    run.breakdown.Currency,
			PeriodUnit:  offer.PeriodUnit,
			PeriodCount: periodCount(offer),
		})
		if err != nil {
			return err
		}

		var grant paymentdomain.Grant
		if line.Trial {
			trialTxn := subscriptiondomain.TrialTransactionID(txnID)
			trialPayment, _, err := s.payments.EnsurePayment(ctx, tx, paymentdomain.NewPayment{
				SiteID:         inv.SiteID,
				OwnerID:        inv.OwnerID,
				InvoiceID:      inv.ID,
				SubscriptionID: &sub.ID,
				Provider:       run.provider(),
				Amount:         req.TrialAmount,
				Currency:       run.breakdown.Currency,
			}, trialTxn)
			if err != nil {
				return err
			}
			// Renewals record their own payments, so the claimed charge is
			// never settled.
			if _, err := s.payments.DeletePendingSubscriptionPayments(ctx, tx, inv.ID, sub.ID); err != nil {
				return err
			}
			trialEnd := line.StartAt
			grant = s.grant(run, line, &trialPayment.ID, trialTxn, now, &trialEnd)
			run.result.Payments = append(run.result.Payments, *trialPayment)
		} else {
			err := s.payments.Settle(ctx, tx, payment, paymentdomain.Settlement{
				TransactionID: txnID,
				ProviderData:  providerData(res.Raw, run.method),
			})
			if err != nil {
				return err
			}
			periodEnd := schedule.AddPeriod(line.StartAt, offer.PeriodUnit, periodCount(offer))
			grant = s.grant(run, line, &payment.ID, txnID, line.StartAt, &periodEnd)
			run.result.Payments = append(run.result.Payments, *payment)
		}
		grant.SubscriptionID = &sub.ID
		written, err := s.payments.GrantReceipts(ctx, tx, grant)
		if err != nil {
			return err
		}
		run.result.ReceiptsWritten += written
		run.result.Subscriptions = append(run.result.Subscriptions, *sub)

		if err := s.recordCustomer(ctx, tx, run); err != nil {
			return err
		}
		return s.complete(ctx, tx, run)
	})
	if err != nil {
		run.log.Error("subscription created at gateway but not recorded",
			zap.String("gateway_id", res.GatewayID),
			zap.Error(err),
		)
		return false, err
	}

	run.log.Info("subscription settled",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("gateway_id", res.GatewayID),
		zap.Bool("trial", line.Trial),
	)
	return true, nil
}

// failPayment stores the gateway failure on payment and ends the attempt's
// gateway path.
func (s *Service) failPayment(ctx context.Context, run *attempt, payment *paymentdomain.Payment, gwErr *paymentdomain.GatewayError) error {
	run.log.Info("gateway call failed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("code", gwErr.Code),
		zap.Error(gwErr),
	)
	run.result.ErrorCode = gwErr.Code
	run.result.ErrorMessage = gwErr.UserMessage
	if err := s.payments.Fail(ctx, s.db, payment, gwErr); err != nil {
		return err
	}
	run.result.Payments = append(run.result.Payments, *payment)
	return nil
}

// abandon fails the attempt and any lead payment no charge took, and returns
// the invoice to CART.
func (s *Service) abandon(ctx context.Context, run *attempt) (*domain.AuthorizeResult, error) {
	run.enter(domain.StateFailed)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if lead := run.lead; lead != nil {
			code, message := run.result.ErrorCode, run.result.ErrorMessage
			if code == "" {
				code, message = paymentdomain.CodeAbandoned, "The payment attempt was not completed."
			}
			if err := s.payments.Fail(ctx, tx, lead, paymentdomain.NewGatewayError(run.provider(), code, message, "", nil)); err != nil {
				return err
			}
			run.lead = nil
			run.result.Payments = append(run.result.Payments, *lead)
		}
		inv, err := s.invoices.Load(ctx, tx, run.invoice.ID, true)
		if err != nil {
			return err
		}
		run.invoice = inv
		if inv.Status != invoicedomain.StatusCheckout {
			return nil
		}
		return s.invoices.Transition(ctx, tx, inv, invoicedomain.StatusCart)
	})
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, run, run.provider(), "failed"), nil
}

// complete moves the invoice to COMPLETE once anything on it has settled.
func (s *Service) complete(ctx context.Context, tx *gorm.DB, run *attempt) error {
	inv, err := s.invoices.Load(ctx, tx, run.invoice.ID, true)
	if err != nil {
		return err
	}
	run.invoice = inv
	if inv.Status == invoicedomain.StatusComplete {
		return nil
	}
	return s.invoices.Transition(ctx, tx, inv, invoicedomain.StatusComplete)
}

func (s *Service) recordCustomer(ctx context.Context, tx *gorm.DB, run *attempt) error {
	if run.customerRef == "" {
		return nil
	}
	return s.payments.RecordCustomer(ctx, tx, run.invoice.SiteID, run.invoice.OwnerID, run.provider(), run.customerRef)
}

func (s *Service) finish(ctx context.Context, run *attempt, provider, outcome string) *domain.AuthorizeResult {
	if run.gateway != nil && s.hooks != nil {
		s.hooks.PostAuthorize(ctx, run.invoice, run.result)
	}
	run.enter(domain.StateDone)
	run.result.InvoiceStatus = run.invoice.Status
	s.metrics.RecordAuthorization(ctx, provider, outcome)

	states := make([]string, 0, len(run.result.States))
	for _, state := range run.result.States {
		states = append(states, string(state))
	}
	run.log.Info("authorization finished",
		zap.String("provider", provider),
		zap.String("outcome", outcome),
		zap.Strings("states", states),
		zap.String("invoice_status", string(run.invoice.Status)),
		zap.Int("receipts_written", run.result.ReceiptsWritten),
	)
	return run.result
}

func (s *Service) grant(run *attempt, line invoicedomain.LineCharge, paymentID *snowflake.ID, txnID string, start time.Time, end *time.Time) paymentdomain.Grant {
	itemID := line.Item.ID
	return paymentdomain.Grant{
		SiteID:        run.invoice.SiteID,
		OwnerID:       run.invoice.OwnerID,
		OrderItemID:   &itemID,
		OfferID:       line.Item.OfferID,
		ProductIDs:    line.Item.Offer.ProductIDs(),
		PaymentID:     paymentID,
		TransactionID: txnID,
		StartAt:       start,
		EndAt:         end,
	}
}

// gatewayFailure converts an unsuccessful gateway call into the error stored
// on the payment. ref is the identifier a successful call must return.
func gatewayFailure(provider string, err error, success bool, ref string) *paymentdomain.GatewayError {
	if err != nil {
		return paymentdomain.AsGatewayError(provider, err)
	}
	if !success {
		return paymentdomain.NewGatewayError(provider, "declined", "The payment was declined.", "", nil)
	}
	if ref == "" {
		return paymentdomain.NewGatewayError(provider, "missing_reference", "The payment could not be confirmed.", "", nil)
	}
	return nil
}

// idempotencyKey derives the gateway idempotency key of a charge from what it
// pays for, so a charge retried after an unfinished attempt is deduplicated by
// the provider.
func idempotencyKey(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("commerce:"+strings.Join(parts, ":"))).String()
}

func periodCount(offer offerdomain.Offer) int {
	if offer.PeriodCount <= 0 {
		return 1
	}
	return offer.PeriodCount
}

func chargeMetadata(inv *invoicedomain.Invoice, payment *paymentdomain.Payment, lines []invoicedomain.LineCharge) map[string]string {
	eventLines := make([]paymentdomain.EventLine, 0, len(lines))
	for _, line := range lines {
		eventLines = append(eventLines, paymentdomain.EventLine{OfferID: line.Item.OfferID, Quantity: line.Item.Quantity})
	}
	return map[string]string{
		"invoice_id":                   inv.ID.String(),
		"payment_id":                   payment.ID.String(),
		paymentdomain.LinesMetadataKey: paymentdomain.EncodeLines(eventLines),
	}
}

// providerData is the passthrough stored on a settled payment. The card
// summary is kept for refunds on providers that need it.
func providerData(raw map[string]any, method paymentdomain.PaymentMethod) map[string]any {
	data := make(map[string]any, len(raw)+2)
	for key, value := range raw {
		data[key] = value
	}
	if method.Last4 != "" {
		data["card_last4"] = method.Last4
	}
	if method.Brand != "" {
		data["card_brand"] = method.Brand
	}
	return data
}
