package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditrepo "github.com/smallbiznis/commerce/internal/audit/repository"
	auditservice "github.com/smallbiznis/commerce/internal/audit/service"
	"github.com/smallbiznis/commerce/internal/checkout/domain"
	"github.com/smallbiznis/commerce/internal/checkout/service"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	"github.com/smallbiznis/commerce/internal/commercetest"
	"github.com/smallbiznis/commerce/internal/config"
	invoicedomain "github.com/smallbiznis/commerce/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/commerce/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/commerce/internal/invoice/service"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
	offerrepo "github.com/smallbiznis/commerce/internal/offer/repository"
	offerservice "github.com/smallbiznis/commerce/internal/offer/service"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/smallbiznis/commerce/internal/payment/gateway"
	"github.com/smallbiznis/commerce/internal/payment/gatewaytest"
	paymentrepo "github.com/smallbiznis/commerce/internal/payment/repository"
	paymentservice "github.com/smallbiznis/commerce/internal/payment/service"
	"github.com/smallbiznis/commerce/internal/sitecontext"
	subscriptiondomain "github.com/smallbiznis/commerce/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/commerce/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/commerce/internal/subscription/service"
	taxservice "github.com/smallbiznis/commerce/internal/tax/service"
	pkgrepo "github.com/smallbiznis/commerce/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	siteID  = snowflake.ID(1)
	ownerID = snowflake.ID(42)
	now     = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
)

type fixture struct {
	db            *gorm.DB
	svc           domain.Service
	invoices      invoicedomain.Service
	payments      paymentdomain.Service
	subscriptions subscriptiondomain.Service
	catalog       *commercetest.Catalog
	gateway       *gatewaytest.Gateway
	clock         *clock.FakeClock
}

type rejectingHooks struct {
	post int
}

func (h *rejectingHooks) PreAuthorize(ctx context.Context, invoice *invoicedomain.Invoice) error {
	return commerceerr.WithHint(errors.New("fraud_check_failed"), "We could not verify this order.")
}

func (h *rejectingHooks) PostAuthorize(ctx context.Context, invoice *invoicedomain.Invoice, result *domain.AuthorizeResult) {
	h.post++
}

func setup(t *testing.T, hooks domain.Hooks) *fixture {
	t.Helper()
	return setupWithConfig(t, hooks, config.DefaultCommerceConfig())
}

func setupWithConfig(t *testing.T, hooks domain.Hooks, commerce config.CommerceConfig) *fixture {
	t.Helper()
	db := commercetest.OpenDB(t, "checkout", commercetest.LedgerModels()...)
	node := commercetest.Node(t)
	clk := clock.NewFakeClock(now)
	log := zap.NewNop()

	offers := offerservice.NewService(offerservice.Params{
		DB:           db,
		Log:          log,
		GenID:        node,
		Clock:        clk,
		Repo:         offerrepo.Provide(),
		ProductStore: pkgrepo.ProvideStore[offerdomain.Product](db),
		PriceStore:   pkgrepo.ProvideStore[offerdomain.Price](db),
	})
	audit := auditservice.NewService(auditservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: auditrepo.Provide(),
	})
	payments := paymentservice.NewService(paymentservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: paymentrepo.Provide(),
	})
	holder := config.NewStaticCommerceConfigHolder(commerce)
	invoices := invoiceservice.NewService(invoiceservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Repo:      invoicerepo.Provide(),
		Offers:    offers,
		Commerce:  holder,
		AuditSvc:  audit,
		Tax:       taxservice.NewCalculator(taxservice.Params{Commerce: holder, Log: log}),
		Ownership: payments,
	})
	subscriptions := subscriptionservice.NewService(subscriptionservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     subscriptionrepo.Provide(),
		Offers:   offerrepo.Provide(),
		Payments: payments,
		AuditSvc: audit,
	})

	gw := gatewaytest.New()
	t.Cleanup(func() { gw.AssertExpectations(t) })

	svc := service.NewService(service.Params{
		DB:            db,
		Log:           log,
		GenID:         node,
		Clock:         clk,
		Invoices:      invoices,
		Payments:      payments,
		Subscriptions: subscriptions,
		Gateways:      gateway.NewStaticRouter(map[snowflake.ID]paymentdomain.Adapter{siteID: gw}),
		Hooks:         hooks,
	})

	return &fixture{
		db:            db,
		svc:           svc,
		invoices:      invoices,
		payments:      payments,
		subscriptions: subscriptions,
		catalog:       commercetest.NewCatalog(db, node, siteID, now.AddDate(-1, 0, 0)),
		gateway:       gw,
		clock:         clk,
	}
}

func (f *fixture) cart(t *testing.T, offers ...offerdomain.Offer) *invoicedomain.Invoice {
	t.Helper()
	ctx := context.Background()
	inv, err := f.invoices.GetCartOrCheckoutCart(ctx, siteID, ownerID)
	require.NoError(t, err)
	for _, offer := range offers {
		inv, err = f.invoices.AddOffer(ctx, inv.ID, offer.ID, 1)
		require.NoError(t, err)
	}
	return inv
}

func (f *fixture) invoice(t *testing.T, id snowflake.ID) *invoicedomain.Invoice {
	t.Helper()
	inv, err := f.invoices.Get(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func (f *fixture) receipts(t *testing.T) []paymentdomain.Receipt {
	t.Helper()
	var receipts []paymentdomain.Receipt
	require.NoError(t, f.db.Order("id ASC").Find(&receipts).Error)
	return receipts
}

func request(invoiceID snowflake.ID) domain.AuthorizeRequest {
	return domain.AuthorizeRequest{
		InvoiceID: invoiceID,
		Method: paymentdomain.PaymentMethod{
			Token:    "tok_visa",
			Brand:    "visa",
			Last4:    "4242",
			ExpMonth: 12,
			ExpYear:  2030,
		},
		Address: paymentdomain.BillingAddress{
			Name:       "Ada Lovelace",
			Line1:      "12 Analytical Row",
			City:       "London",
			PostalCode: "N1 7AA",
			Country:    "GB",
		},
	}
}

func TestAuthorizeFreeInvoice(t *testing.T) {
	f := setup(t, nil)
	offer := f.catalog.Offer(t, offerdomain.Offer{Term: offerdomain.TermPerpetual}, 0, f.catalog.Product(t, 0))
	inv := f.cart(t, offer)

	result, err := f.svc.Authorize(context.Background(), domain.AuthorizeRequest{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []domain.State{domain.StateInit, domain.StateOneTimeSettled, domain.StateDone}, result.States)
	assert.Equal(t, invoicedomain.StatusComplete, result.InvoiceStatus)

	require.Len(t, result.Payments, 1)
	payment := result.Payments[0]
	assert.Equal(t, int64(0), payment.Amount)
	assert.Equal(t, paymentdomain.PaymentSettled, payment.Status)
	assert.Equal(t, "free-"+payment.ID.String(), *payment.TransactionID)

	receipts := f.receipts(t)
	require.Len(t, receipts, 1)
	assert.Nil(t, receipts[0].EndAt)

	stored := f.invoice(t, inv.ID)
	assert.Equal(t, invoicedomain.StatusComplete, stored.Status)
	assert.NotNil(t, stored.OrderedAt)
}

func TestAuthorizeRejectsInvalidDetails(t *testing.T) {
	f := setup(t, nil)
	offer := f.catalog.Offer(t, offerdomain.Offer{}, 1500, f.catalog.Product(t, 1500))
	inv := f.cart(t, offer)

	req := request(inv.ID)
	req.Address.Country = "Great Britain"
	_, err := f.svc.Authorize(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidPaymentDetails)
	assert.True(t, commerceerr.IsValidation(err))

	stored := f.invoice(t, inv.ID)
	assert.Equal(t, invoicedomain.StatusCart, stored.Status)
	assert.Nil(t, stored.OrderedAt)

	var count int64
	require.NoError(t, f.db.Model(&paymentdomain.Payment{}).Count(&count).Error)
	assert.Zero(t, count)

	_, err = f.svc.Authorize(context.Background(), domain.AuthorizeRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestAuthorizeOneTimeSettles(t *testing.T) {
	f := setup(t, nil)
	offer := f.catalog.Offer(t, offerdomain.Offer{Term: offerdomain.TermOneTime}, 1500, f.catalog.Product(t, 1500))
	inv := f.cart(t, offer)

	f.gateway.On("AuthorizeOneTime", mock.Anything, mock.MatchedBy(func(req paymentdomain.ChargeRequest) bool {
		return req.Amount == 1500 &&
			req.Currency == "USD" &&
			req.IdempotencyKey != "" &&
			req.Method.Token == "tok_visa" &&
			req.Metadata[paymentdomain.LinesMetadataKey] == offer.ID.String()+":1"
	})).Return(&paymentdomain.ChargeResult{
		Success:       true,
		TransactionID: "ch_1",
		CustomerRef:   "cus_1",
		Raw:           map[string]any{"status": "succeeded"},
	}, nil).Once()

	result, err := f.svc.Authorize(context.Background(), request(inv.ID))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []domain.State{
		domain.StateInit, domain.StatePreAuth, domain.StateAuthorizing, domain.StateOneTimeSettled, domain.StateDone,
	}, result.States)
	assert.Equal(t, invoicedomain.StatusComplete, result.InvoiceStatus)
	assert.Equal(t, 1, result.ReceiptsWritten)

	require.Len(t, result.Payments, 1)
	payment, err := f.payments.FindPayment(context.Background(), nil, result.Payments[0].ID, false)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentSettled, payment.Status)
	assert.Equal(t, "ch_1", *payment.TransactionID)
	assert.Equal(t, "mockpay", payment.Provider)
	assert.Equal(t, "4242", payment.ProviderData["card_last4"])

	receipts := f.receipts(t)
	require.Len(t, receipts, 1)
	assert.Equal(t, "ch_1", receipts[0].TransactionID)
	require.NotNil(t, receipts[0].EndAt)
	assert.True(t, receipts[0].EndAt.Equal(now.AddDate(0, 1, 0)))

	ref, err := f.payments.CustomerRef(context.Background(), nil, siteID, ownerID, "mockpay")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", ref)

	_, err = f.svc.Authorize(context.Background(), request(inv.ID))
	assert.ErrorIs(t, err, domain.ErrInvoiceNotPayable)
}

func TestAuthorizeDeclinedRevertsToCart(t *testing.T) {
	f := setup(t, nil)
	offer := f.catalog.Offer(t, offerdomain.Offer{}, 1500, f.catalog.Product(t, 1500))
	inv := f.cart(t, offer)

	f.gateway.On("AuthorizeOneTime", mock.Anything, mock.Anything).
		Return(nil, gatewaytest.Declined("mockpay")).Once()

	result, err := f.svc.Authorize(context.Background(), request(inv.ID))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, domain.StateFailed, result.Final())
	assert.Equal(t, "card_declined", result.ErrorCode)
	assert.Equal(t, "Your card was declined.", result.ErrorMessage)
	assert.Equal(t, invoicedomain.StatusCart, result.InvoiceStatus)

	require.Len(t, result.Payments, 1)
	payment, err := f.payments.FindPayment(context.Background(), nil, result.Payments[0].ID, false)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentFailed, payment.Status)
	assert.False(t, payment.Success)
	assert.Equal(t, "card_declined", *payment.ErrorCode)
	assert.Equal(t, `{"error":"card_declined"}`, *payment.ErrorRaw)
	assert.Nil(t, payment.TransactionID)

	assert.Empty(t, f.receipts(t))
	assert.Equal(t, invoicedomain.StatusCart, f.invoice(t, inv.ID).Status)
}

func TestAuthorizeSubscriptionWithTrial(t *testing.T) {
	f := setup(t, nil)
	offer := f.catalog.Offer(t, offerdomain.Offer{
		Term:             offerdomain.TermSubscription,
		TrialOccurrences: 1,
		TrialAmount:      100,
	}, 1000, f.catalog.Product(t, 1000))
	inv := f.cart(t, offer)
	trialEnd := now.AddDate(0, 1, 0)

	f.gateway.On("ValidateCard", mock.Anything, mock.Anything).Return(true, nil).Once()
	f.gateway.On("AuthorizeSubscription", mock.Anything, mock.MatchedBy(func(req paymentdomain.SubscriptionRequest) bool {
		return req.Amount == 1000 &&
			req.TrialOccurrences == 1 &&
			req.TrialAmount == 100 &&
			req.PeriodUnit == "MONTH" &&
			req.StartAt.Equal(trialEnd)
	})).Return(&paymentdomain.SubscriptionResult{
		Success:       true,
		GatewayID:     "sub_1",
		TransactionID: "in_1",
		Status:        "trialing",
	}, nil).Once()

	result, err := f.svc.Authorize(context.Background(), request(inv.ID))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, domain.StateSubscriptionsSettled, result.Final())
	assert.Equal(t, invoicedomain.StatusComplete, result.InvoiceStatus)

	require.Len(t, result.Subscriptions, 1)
	sub := result.Subscriptions[0]
	assert.Equal(t, "sub_1", sub.GatewayID)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.True(t, sub.AutoRenew)
	assert.Equal(t, int64(1000), sub.Amount)

	require.Len(t, result.Payments, 1)
	trial := result.Payments[0]
	assert.Equal(t, "in_1-trial", *trial.TransactionID)
	assert.Equal(t, int64(100), trial.Amount)
	assert.Equal(t, paymentdomain.PaymentSettled, trial.Status)

	var stored []paymentdomain.Payment
	require.NoError(t, f.db.Where("invoice_id = ?", inv.ID).Find(&stored).Error)
	require.Len(t, stored, 1)
	assert.Equal(t, trial.ID, stored[0].ID)
	assert.Equal(t, sub.ID, *stored[0].SubscriptionID)

	receipts := f.receipts(t)
	require.Len(t, receipts, 1)
	assert.Equal(t, "in_1-trial", receipts[0].TransactionID)
	assert.True(t, receipts[0].StartAt.Equal(now))
	assert.True(t, receipts[0].EndAt.Equal(trialEnd))
	assert.Equal(t, sub.ID, *receipts[0].SubscriptionID)
}

func TestAuthorizeSubscriptionWithoutTrialSettles(t *testing.T) {
	f := setup(t, nil)
	offer := f.catalog.Offer(t, offerdomain.Offer{Term: offerdomain.TermSubscription}, 1000, f.catalog.Product(t, 1000))
	inv := f.cart(t, offer)

	f.gateway.On("ValidateCard", mock.Anything, mock.Anything).Return(true, nil).Once()
	f.gateway.On("AuthorizeSubscription", mock.Anything, mock.Anything).Return(&paymentdomain.SubscriptionResult{
		Success:       true,
		GatewayID:     "sub_2",
		TransactionID: "in_2",
		Status:        "active",
	}, nil).Once()

	result, err := f.svc.Authorize(context.Background(), request(inv.ID))
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, result.Payments, 1)
	assert.Equal(t, paymentdomain.PaymentSettled, result.Payments[0].Status)
	assert.Equal(t, "in_2", *result.Payments[0].TransactionID)

	receipts := f.receipts(t)
	require.Len(t, receipts, 1)
	assert.True(t, receipts[0].StartAt.Equal(now))
	assert.True(t, receipts[0].EndAt.Equal(now.AddDate(0, 1, 0)))
}

func TestAuthorizeInvalidCardSkipsSubscriptions(t *testing.T) {
	f := setup(t, nil)
	offer := f.catalog.Offer(t, offerdomain.Offer{Term: offerdomain.TermSubscription}, 1000, f.catalog.Product(t, 1000))
	inv := f.cart(t, offer)

	f.gateway.On("ValidateCard", mock.Anything, mock.Anything).Return(false, nil).Once()

	result, err := f.svc.Authorize(context.Background(), request(inv.ID))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, domain.StateFailed, result.Final())
	assert.Equal(t, "card_invalid", result.ErrorCode)
	assert.Equal(t, invoicedomain.StatusCart, result.InvoiceStatus)
	assert.Empty(t, result.Subscriptions)
	f.gateway.AssertNotCalled(t, "AuthorizeSubscription", mock.Anything, mock.Anything)
}

func TestAuthorizeMixedInvoiceKeepsOneTimeCharge(t *testing.T) {
	f := setup(t, nil)
	oneTime := f.catalog.Offer(t, offerdomain.Offer{Term: offerdomain.TermPerpetual}, 700, f.catalog.Product(t, 700))
	recurring := f.catalog.Offer(t, offerdomain.Offer{Term: offerdomain.TermSubscription}, 1000, f.catalog.Product(t, 1000))
	inv := f.cart(t, oneTime, recurring)

	f.gateway.On("AuthorizeOneTime", mock.Anything, mock.MatchedBy(func(req paymentdomain.ChargeRequest) bool {
		return req.Amount == 700
	})).Return(&paymentdomain.ChargeResult{Success: true, TransactionID: "ch_7"}, nil).Once()
	f.gateway.On("ValidateCard", mock.Anything, mock.Anything).Return(true, nil).Once()
	f.gateway.On("AuthorizeSubscription", mock.Anything, mock.Anything).
		Return(nil, gatewaytest.Declined("mockpay")).Once()

	result, err := f.svc.Authorize(context.Background(), request(inv.ID))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []domain.State{
		domain.StateInit, domain.StatePreAuth, domain.StateAuthorizing,
		domain.StateOneTimeSettled, domain.StateFailed, domain.StateDone,
	}, result.States)
	assert.Equal(t, invoicedomain.StatusComplete, result.InvoiceStatus)
	assert.Len(t, f.receipts(t), 1)
}

func TestAuthorizePreAuthorizeHookRejects(t *testing.T) {
	hooks := &rejectingHooks{}
	f := setup(t, hooks)
	offer := f.catalog.Offer(t, offerdomain.Offer{}, 1500, f.catalog.Product(t, 1500))
	inv := f.cart(t, offer)

	result, err := f.svc.Authorize(context.Background(), request(inv.ID))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []domain.State{
		domain.StateInit, domain.StatePreAuth, domain.StateFailed, domain.StateDone,
	}, result.States)
	assert.Equal(t, "pre_authorize_rejected", result.ErrorCode)
	assert.Equal(t, "We could not verify this order.", result.ErrorMessage)
	assert.Equal(t, invoicedomain.StatusCart, f.invoice(t, inv.ID).Status)
	assert.Equal(t, 1, hooks.post)
	f.gateway.AssertNotCalled(t, "AuthorizeOneTime", mock.Anything, mock.Anything)
}

func TestAuthorizeConcurrentCallerIsRejected(t *testing.T) {
	f := setup(t, nil)
	offer := f.catalog.Offer(t, offerdomain.Offer{}, 1500, f.catalog.Product(t, 1500))
	inv := f.cart(t, offer)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.gateway.On("AuthorizeOneTime", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(&paymentdomain.ChargeResult{Success: true, TransactionID: "ch_1"}, nil).Once()

	type outcome struct {
		result *domain.AuthorizeResult
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		result, err := f.svc.Authorize(context.Background(), request(inv.ID))
		first <- outcome{result: result, err: err}
	}()
	<-entered

	_, err := f.svc.Authorize(context.Background(), request(inv.ID))
	assert.ErrorIs(t, err, domain.ErrAuthorizationInProgress)
	assert.True(t, commerceerr.IsConsistency(err))

	close(release)
	done := <-first
	require.NoError(t, done.err)
	assert.True(t, done.result.Success)

	var payments []paymentdomain.Payment
	require.NoError(t, f.db.Where("invoice_id = ?", inv.ID).Find(&payments).Error)
	require.Len(t, payments, 1)
	assert.Equal(t, paymentdomain.PaymentSettled, payments[0].Status)
	assert.Len(t, f.receipts(t), 1)
	f.gateway.AssertNumberOfCalls(t, "AuthorizeOneTime", 1)
}

func TestAuthorizeResumesUnfinishedCheckout(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	offer := f.catalog.Offer(t, offerdomain.Offer{}, 1500, f.catalog.Product(t, 1500))
	inv := f.cart(t, offer)

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		loaded, err := f.invoices.Load(ctx, tx, inv.ID, true)
		if err != nil {
			return err
		}
		return f.invoices.Transition(ctx, tx, loaded, invoicedomain.StatusCheckout)
	}))
	unfinished, err := f.payments.CreatePending(ctx, nil, paymentdomain.NewPayment{
		SiteID:    siteID,
		OwnerID:   ownerID,
		InvoiceID: inv.ID,
		Provider:  "mockpay",
		Amount:    1500,
		Currency:  "USD",
	})
	require.NoError(t, err)

	_, err = f.svc.Authorize(ctx, request(inv.ID))
	assert.ErrorIs(t, err, domain.ErrAuthorizationInProgress)
	f.gateway.AssertNotCalled(t, "AuthorizeOneTime", mock.Anything, mock.Anything)

	f.clock.Advance(3 * time.Minute)
	f.gateway.On("AuthorizeOneTime", mock.Anything, mock.Anything).
		Return(&paymentdomain.ChargeResult{Success: true, TransactionID: "ch_2"}, nil).Once()

	result, err := f.svc.Authorize(ctx, request(inv.ID))
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.Payments, 1)
	assert.NotEqual(t, unfinished.ID, result.Payments[0].ID)

	expired, err := f.payments.FindPayment(ctx, nil, unfinished.ID, false)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentFailed, expired.Status)
	assert.Equal(t, "abandoned", *expired.ErrorCode)
}

func TestAuthorizeIdempotencyKeyAcrossRetries(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	offer := f.catalog.Offer(t, offerdomain.Offer{}, 1500, f.catalog.Product(t, 1500))
	inv := f.cart(t, offer)

	var keys []string
	record := func(args mock.Arguments) {
		keys = append(keys, args.Get(1).(paymentdomain.ChargeRequest).IdempotencyKey)
	}

	// Two declines in a row: the buyer must be able to retry the same card.
	f.gateway.On("AuthorizeOneTime", mock.Anything, mock.Anything).
		Run(record).
		Return(nil, gatewaytest.Declined("mockpay")).Twice()
	var paymentIDs []snowflake.ID
	for i := 0; i < 2; i++ {
		result, err := f.svc.Authorize(ctx, request(inv.ID))
		require.NoError(t, err)
		require.False(t, result.Success)
		require.Len(t, result.Payments, 1)
		paymentIDs = append(paymentIDs, result.Payments[0].ID)
	}
	require.Len(t, keys, 2)
	assert.NotEqual(t, paymentIDs[0], paymentIDs[1])
	assert.NotEqual(t, paymentIDs[0].String(), keys[0])
	assert.NotEqual(t, keys[0], keys[1])

	// The process dies while the charge is in flight. Nothing is recorded.
	f.gateway.On("AuthorizeOneTime", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			record(args)
			panic("connection lost")
		}).
		Return(nil, nil).Once()
	assert.Panics(t, func() {
		_, _ = f.svc.Authorize(ctx, request(inv.ID))
	})
	require.Equal(t, invoicedomain.StatusCheckout, f.invoice(t, inv.ID).Status)

	// The resumed attempt repeats the unfinished charge under its key.
	f.clock.Advance(3 * time.Minute)
	f.gateway.On("AuthorizeOneTime", mock.Anything, mock.Anything).
		Run(record).
		Return(&paymentdomain.ChargeResult{Success: true, TransactionID: "ch_3"}, nil).Once()
	result, err := f.svc.Authorize(ctx, request(inv.ID))
	require.NoError(t, err)
	require.True(t, result.Success)

	require.Len(t, keys, 4)
	assert.NotEqual(t, keys[1], keys[2])
	assert.Equal(t, keys[2], keys[3])
}

func TestAuthorizeRecurringOnlyInvoiceChargesTax(t *testing.T) {
	f := setupWithConfig(t, nil, config.CommerceConfig{
		DefaultCurrency: "USD",
		Sites: []config.SiteConfig{{
			ID:              int64(siteID),
			DefaultCurrency: "USD",
			Currencies:      []string{"USD"},
			Tax:             config.TaxConfig{Code: "US_SALES_TAX", Rate: "0.1"},
		}},
	})
	offer := f.catalog.Offer(t, offerdomain.Offer{Term: offerdomain.TermSubscription}, 1000, f.catalog.Product(t, 1000))
	inv := f.cart(t, offer)
	require.Equal(t, int64(100), inv.Tax)

	f.gateway.On("AuthorizeOneTime", mock.Anything, mock.MatchedBy(func(req paymentdomain.ChargeRequest) bool {
		return req.Amount == 100 && req.Metadata[paymentdomain.LinesMetadataKey] == ""
	})).Return(&paymentdomain.ChargeResult{Success: true, TransactionID: "ch_tax"}, nil).Once()
	f.gateway.On("ValidateCard", mock.Anything, mock.Anything).Return(true, nil).Once()
	f.gateway.On("AuthorizeSubscription", mock.Anything, mock.MatchedBy(func(req paymentdomain.SubscriptionRequest) bool {
		return req.Amount == 1000
	})).Return(&paymentdomain.SubscriptionResult{
		Success:       true,
		GatewayID:     "sub_3",
		TransactionID: "in_3",
		Status:        "active",
	}, nil).Once()

	result, err := f.svc.Authorize(context.Background(), request(inv.ID))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []domain.State{
		domain.StateInit, domain.StatePreAuth, domain.StateAuthorizing,
		domain.StateOneTimeSettled, domain.StateSubscriptionsSettled, domain.StateDone,
	}, result.States)

	require.Len(t, result.Payments, 2)
	tax, recurring := result.Payments[0], result.Payments[1]
	assert.Equal(t, int64(100), tax.Amount)
	assert.Nil(t, tax.SubscriptionID)
	assert.Equal(t, "ch_tax", *tax.TransactionID)
	assert.Equal(t, int64(1000), recurring.Amount)
	assert.Equal(t, "in_3", *recurring.TransactionID)
	assert.NotNil(t, recurring.SubscriptionID)

	receipts := f.receipts(t)
	require.Len(t, receipts, 1)
	assert.Equal(t, "in_3", receipts[0].TransactionID)
}

func (f *fixture) settledCharge(t *testing.T, amount int64) *paymentdomain.Payment {
	t.Helper()
	offer := f.catalog.Offer(t, offerdomain.Offer{}, amount, f.catalog.Product(t, amount))
	inv := f.cart(t, offer)
	f.gateway.On("AuthorizeOneTime", mock.Anything, mock.Anything).
		Return(&paymentdomain.ChargeResult{Success: true, TransactionID: "ch_r"}, nil).Once()
	result, err := f.svc.Authorize(context.Background(), request(inv.ID))
	require.NoError(t, err)
	require.True(t, result.Success)
	payment := result.Payments[0]
	return &payment
}

func TestRefund(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	payment := f.settledCharge(t, 1500)

	f.gateway.On("Refund", mock.Anything, mock.MatchedBy(func(req paymentdomain.RefundRequest) bool {
		return req.TransactionID == "ch_r" && req.Method.Last4 == "4242" && req.Currency == "USD"
	})).Return(&paymentdomain.RefundResult{Success: true, TransactionID: "re_1"}, nil).Twice()

	partial, err := f.svc.Refund(ctx, payment.ID, 500, "requested_by_customer")
	require.NoError(t, err)
	assert.True(t, partial.Success)
	assert.Equal(t, paymentdomain.PaymentPartiallyRefunded, partial.Payment.Status)
	assert.Equal(t, paymentdomain.RefundSucceeded, partial.Refund.Status)

	_, err = f.svc.Refund(ctx, payment.ID, 1001, "too much")
	assert.ErrorIs(t, err, paymentdomain.ErrRefundExceedsBalance)
	assert.True(t, commerceerr.IsValidation(err))
	unchanged, err := f.payments.FindPayment(ctx, nil, payment.ID, false)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentPartiallyRefunded, unchanged.Status)
	assert.Equal(t, partial.Payment.Version, unchanged.Version)

	full, err := f.svc.Refund(ctx, payment.ID, 1000, "requested_by_customer")
	require.NoError(t, err)
	assert.True(t, full.Success)
	assert.Equal(t, paymentdomain.PaymentRefunded, full.Payment.Status)
	assert.Equal(t, invoicedomain.StatusRefunded, f.invoice(t, payment.InvoiceID).Status)

	_, err = f.svc.Refund(ctx, payment.ID, 0, "")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidAmount)
}

func TestRefundGatewayFailureRecordsFailedRefund(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	payment := f.settledCharge(t, 1500)

	f.gateway.On("Refund", mock.Anything, mock.Anything).
		Return(nil, paymentdomain.NewGatewayError("mockpay", "charge_disputed", "This charge cannot be refunded.", "", nil)).Once()

	result, err := f.svc.Refund(ctx, payment.ID, 500, "requested_by_customer")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, paymentdomain.RefundFailed, result.Refund.Status)
	assert.Equal(t, "charge_disputed", result.Error.Code)

	var stored paymentdomain.Refund
	require.NoError(t, f.db.First(&stored, "id = ?", result.Refund.ID).Error)
	assert.Equal(t, paymentdomain.RefundFailed, stored.Status)
	assert.Equal(t, "charge_disputed", *stored.ErrorCode)

	refunded, err := f.payments.RefundedTotal(ctx, nil, payment.ID)
	require.NoError(t, err)
	assert.Zero(t, refunded)

	storedPayment, err := f.payments.FindPayment(ctx, nil, payment.ID, false)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentSettled, storedPayment.Status)
}

func TestRefundConcurrentCallersCannotOverdraw(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	payment := f.settledCharge(t, 1000)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.gateway.On("Refund", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(&paymentdomain.RefundResult{Success: true, TransactionID: "re_1"}, nil).Once()

	first := make(chan error, 1)
	go func() {
		_, err := f.svc.Refund(ctx, payment.ID, 700, "requested_by_customer")
		first <- err
	}()
	<-entered

	_, err := f.svc.Refund(ctx, payment.ID, 700, "requested_by_customer")
	assert.ErrorIs(t, err, paymentdomain.ErrRefundExceedsBalance)

	close(release)
	require.NoError(t, <-first)

	refunded, err := f.payments.RefundedTotal(ctx, nil, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), refunded)

	var refunds []paymentdomain.Refund
	require.NoError(t, f.db.Where("payment_id = ?", payment.ID).Find(&refunds).Error)
	require.Len(t, refunds, 1)
	assert.Equal(t, paymentdomain.RefundSucceeded, refunds[0].Status)
	assert.Equal(t, "re_1", *refunds[0].TransactionID)
	f.gateway.AssertNumberOfCalls(t, "Refund", 1)
}

func (f *fixture) subscription(t *testing.T, gatewayID string) *subscriptiondomain.Subscription {
	t.Helper()
	sub, _, err := f.subscriptions.Create(context.Background(), nil, &subscriptiondomain.Subscription{
		SiteID:      siteID,
		OwnerID:     ownerID,
		OfferID:     snowflake.ID(77),
		InvoiceID:   snowflake.ID(88),
		Provider:    "mockpay",
		GatewayID:   gatewayID,
		AutoRenew:   true,
		Amount:      1000,
		Currency:    "USD",
		PeriodUnit:  offerdomain.PeriodMonth,
		PeriodCount: 1,
	})
	require.NoError(t, err)
	return sub
}

func TestCancelSubscription(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	actor := sitecontext.Actor{Type: sitecontext.ActorCustomer, ID: ownerID.String()}

	refused := f.subscription(t, "sub_refused")
	f.gateway.On("CancelSubscription", mock.Anything, "sub_refused").
		Return(paymentdomain.NewGatewayError("mockpay", "resource_missing", "Subscription not found.", "", nil)).Once()
	result, err := f.svc.CancelSubscription(ctx, refused.ID, actor)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "resource_missing", result.Error.Code)
	stored, err := f.subscriptions.Get(ctx, refused.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, stored.Status)

	sub := f.subscription(t, "sub_ok")
	f.gateway.On("CancelSubscription", mock.Anything, "sub_ok").Return(nil).Once()
	result, err = f.svc.CancelSubscription(ctx, sub.ID, actor)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, subscriptiondomain.StatusCanceled, result.Subscription.Status)
	assert.False(t, result.Subscription.AutoRenew)

	again, err := f.svc.CancelSubscription(ctx, sub.ID, actor)
	require.NoError(t, err)
	assert.True(t, again.Success)
}

func TestUpdatePaymentMethod(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	sub := f.subscription(t, "sub_pm")
	method := paymentdomain.PaymentMethod{Token: "pm_new", Last4: "1881", ExpMonth: 1, ExpYear: 2031}

	err := f.svc.UpdatePaymentMethod(ctx, sub.ID, paymentdomain.PaymentMethod{Last4: "12"})
	assert.ErrorIs(t, err, domain.ErrInvalidPaymentDetails)

	f.gateway.On("UpdatePaymentMethod", mock.Anything, "sub_pm", method).Return(nil).Once()
	require.NoError(t, f.svc.UpdatePaymentMethod(ctx, sub.ID, method))

	f.gateway.On("UpdatePaymentMethod", mock.Anything, "sub_pm", method).
		Return(gatewaytest.Declined("mockpay")).Once()
	err = f.svc.UpdatePaymentMethod(ctx, sub.ID, method)
	assert.True(t, commerceerr.IsGateway(err))
}
