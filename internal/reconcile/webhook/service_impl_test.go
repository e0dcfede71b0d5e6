package webhook_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	"github.com/smallbiznis/commerce/internal/commercetest"
	"github.com/smallbiznis/commerce/internal/config"
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
	"github.com/smallbiznis/commerce/internal/reconcile/domain"
	"github.com/smallbiznis/commerce/internal/reconcile/service"
	"github.com/smallbiznis/commerce/internal/reconcile/webhook"
	subscriptionrepo "github.com/smallbiznis/commerce/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/commerce/internal/subscription/service"
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
	now     = time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)
	payload = []byte(`{"id":"evt_1","type":"invoice.paid"}`)
)

type fixture struct {
	db      *gorm.DB
	svc     domain.Ingester
	gateway *gatewaytest.Gateway
	offer   offerdomain.Offer
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := commercetest.OpenDB(t, "webhook", commercetest.LedgerModels()...)
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
	payments := paymentservice.NewService(paymentservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: paymentrepo.Provide(),
	})
	invoices := invoiceservice.NewService(invoiceservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Repo:      invoicerepo.Provide(),
		Offers:    offers,
		Commerce:  config.NewStaticCommerceConfigHolder(config.DefaultCommerceConfig()),
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
	})
	engine := service.NewEngine(service.Params{
		DB:            db,
		Log:           log,
		Clock:         clk,
		Invoices:      invoices,
		Payments:      payments,
		Subscriptions: subscriptions,
	})

	gw := gatewaytest.New()
	t.Cleanup(func() { gw.AssertExpectations(t) })
	require.NoError(t, payments.RecordCustomer(context.Background(), nil, siteID, ownerID, gw.Name, "cus_1"))

	catalog := commercetest.NewCatalog(db, node, siteID, now.AddDate(-1, 0, 0))
	return &fixture{
		db: db,
		svc: webhook.NewService(webhook.Params{
			DB:       db,
			Log:      log,
			Decoders: gateway.NewStaticRouter(map[snowflake.ID]paymentdomain.Adapter{siteID: gw}),
			Payments: payments,
			Engine:   engine,
		}),
		gateway: gw,
		offer:   catalog.Offer(t, offerdomain.Offer{}, 1500, catalog.Product(t, 1500)),
	}
}

func (f *fixture) event() *paymentdomain.Event {
	return &paymentdomain.Event{
		Provider:         f.gateway.Name,
		ProviderEventID:  "evt_1",
		ProviderType:     "invoice.paid",
		Kind:             paymentdomain.EventInvoicePaid,
		CustomerRef:      "cus_1",
		GatewayInvoiceID: "in_1",
		ChargeID:         "ch_1",
		Amount:           1500,
		Currency:         "USD",
		Paid:             true,
		OccurredAt:       now,
		Lines:            []paymentdomain.EventLine{{OfferID: f.offer.ID, Quantity: 1}},
	}
}

func (f *fixture) storedEvent(t *testing.T) paymentdomain.EventRecord {
	t.Helper()
	var records []paymentdomain.EventRecord
	require.NoError(t, f.db.Find(&records).Error)
	require.Len(t, records, 1)
	return records[0]
}

func TestIngestRedeliveryIsSkipped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	headers := http.Header{"Stripe-Signature": []string{"t=1,v1=abc"}}
	f.gateway.On("Decode", mock.Anything, payload, headers).Return(f.event(), nil).Twice()

	first, err := f.svc.Ingest(ctx, siteID, payload, headers)
	require.NoError(t, err)
	assert.True(t, first.Handled)
	assert.False(t, first.Duplicate)
	assert.Equal(t, domain.OutcomeApplied, first.Outcome)
	assert.Equal(t, paymentdomain.EventInvoicePaid, first.Kind)

	second, err := f.svc.Ingest(ctx, siteID, payload, headers)
	require.NoError(t, err)
	assert.True(t, second.Handled)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)

	record := f.storedEvent(t)
	assert.NotNil(t, record.ProcessedAt)
	assert.Equal(t, siteID, record.SiteID)
	assert.Equal(t, "invoice.paid", record.EventType)

	var payments int64
	require.NoError(t, f.db.Model(&paymentdomain.Payment{}).Count(&payments).Error)
	assert.Equal(t, int64(1), payments)
}

func TestIngestRetriesUnhandledEvent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.gateway.On("Decode", mock.Anything, payload, mock.Anything).Return(f.event(), nil).Twice()
	require.NoError(t, f.db.Migrator().DropTable(&paymentdomain.Receipt{}))

	failed, err := f.svc.Ingest(ctx, siteID, payload, http.Header{})
	require.NoError(t, err)
	assert.False(t, failed.Handled)
	assert.Nil(t, f.storedEvent(t).ProcessedAt)

	require.NoError(t, f.db.AutoMigrate(&paymentdomain.Receipt{}))
	retried, err := f.svc.Ingest(ctx, siteID, payload, http.Header{})
	require.NoError(t, err)
	assert.True(t, retried.Handled)
	assert.False(t, retried.Duplicate)
	assert.Equal(t, failed.EventID, retried.EventID)
	assert.NotNil(t, f.storedEvent(t).ProcessedAt)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := setup(t)
	f.gateway.On("Decode", mock.Anything, payload, mock.Anything).
		Return(nil, paymentdomain.ErrInvalidSignature).Once()

	_, err := f.svc.Ingest(context.Background(), siteID, payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	assert.True(t, commerceerr.IsValidation(err))

	var count int64
	require.NoError(t, f.db.Model(&paymentdomain.EventRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestIngestRejectsUnknownSiteAndMalformedPayload(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Ingest(context.Background(), snowflake.ID(99), payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrGatewayNotConfigured)

	_, err = f.svc.Ingest(context.Background(), siteID, []byte("not json"), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEventPayload)
	f.gateway.AssertNotCalled(t, "Decode", mock.Anything, mock.Anything, mock.Anything)
}
