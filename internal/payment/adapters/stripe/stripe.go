// Package stripe adapts Stripe payment intents, subscriptions and webhooks.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	"github.com/smallbiznis/commerce/internal/payment/domain"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const Provider = "stripe"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) New(cfg domain.Config) (domain.Adapter, error) {
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if secretKey == "" {
		return nil, commerceerr.Wrap(domain.ErrUnsupportedProvider, "stripe secret_key is required")
	}
	return &Adapter{
		siteID:        cfg.SiteID,
		client:        stripe.NewClient(secretKey, nil),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		now:           time.Now,
	}, nil
}

type Adapter struct {
	siteID        snowflake.ID
	client        *stripe.Client
	webhookSecret string
	now           func() time.Time
}

func (a *Adapter) Provider() string {
	return Provider
}

func (a *Adapter) AuthorizeOneTime(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	customerRef, err := a.ensureCustomer(ctx, req.CustomerRef, req.Method, req.OwnerID)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Customer:      stripe.String(customerRef),
		PaymentMethod: stripe.String(req.Method.Token),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Metadata:      metadata(req.Metadata, req.InvoiceID, req.OwnerID),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	intent, err := a.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, domain.NewGatewayError(Provider, "payment_"+string(intent.Status),
			"The payment could not be completed.", "payment intent "+intent.ID+" is "+string(intent.Status), nil)
	}
	return &domain.ChargeResult{
		Success:       true,
		TransactionID: intent.ID,
		CustomerRef:   customerRef,
		Raw: map[string]any{
			"payment_intent": intent.ID,
			"status":         string(intent.Status),
		},
	}, nil
}

func (a *Adapter) AuthorizeSubscription(ctx context.Context, req domain.SubscriptionRequest) (*domain.SubscriptionResult, error) {
	customerRef, err := a.ensureCustomer(ctx, req.CustomerRef, req.Method, req.OwnerID)
	if err != nil {
		return nil, err
	}
	interval, err := intervalFor(req.PeriodUnit)
	if err != nil {
		return nil, err
	}
	product := req.ProductRef
	if product == "" {
		product = "commerce_offer_" + req.OfferID.String()
	}
	currency := strings.ToLower(req.Currency)

	meta := metadata(req.Metadata, req.InvoiceID, req.OwnerID)
	meta["offer_id"] = req.OfferID.String()
	if req.Occurrences > 0 {
		meta["occurrences"] = strconv.Itoa(req.Occurrences)
	}

	params := &stripe.SubscriptionCreateParams{
		Customer:             stripe.String(customerRef),
		DefaultPaymentMethod: stripe.String(req.Method.Token),
		Items: []*stripe.SubscriptionCreateItemParams{{
			PriceData: &stripe.SubscriptionCreateItemPriceDataParams{
				Currency:   stripe.String(currency),
				Product:    stripe.String(product),
				UnitAmount: stripe.Int64(req.Amount),
				Recurring: &stripe.SubscriptionCreateItemPriceDataRecurringParams{
					Interval:      stripe.String(interval),
					IntervalCount: stripe.Int64(int64(max(req.PeriodCount, 1))),
				},
			},
		}},
		Metadata: meta,
	}
	if req.HasTrial() && req.StartAt.After(a.now()) {
		params.TrialEnd = stripe.Int64(req.StartAt.Unix())
		if req.TrialAmount > 0 {
			params.AddInvoiceItems = []*stripe.SubscriptionCreateAddInvoiceItemParams{{
				PriceData: &stripe.InvoiceItemPriceDataParams{
					Currency:   stripe.String(currency),
					Product:    stripe.String(product),
					UnitAmount: stripe.Int64(req.TrialAmount),
				},
			}}
		}
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sub, err := a.client.V1Subscriptions.Create(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}
	status := string(sub.Status)
	if status != "active" && status != "trialing" {
		return nil, domain.NewGatewayError(Provider, "subscription_"+status,
			"The subscription payment could not be completed.", "subscription "+sub.ID+" is "+status, nil)
	}

	txnID := sub.ID
	if sub.LatestInvoice != nil && sub.LatestInvoice.ID != "" {
		txnID = sub.LatestInvoice.ID
	}
	return &domain.SubscriptionResult{
		Success:       true,
		GatewayID:     sub.ID,
		TransactionID: txnID,
		Status:        status,
		CustomerRef:   customerRef,
		Raw: map[string]any{
			"subscription": sub.ID,
			"status":       status,
		},
	}, nil
}

func (a *Adapter) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(req.TransactionID),
		Amount:        stripe.Int64(req.Amount),
	}
	if req.Reason != "" {
		params.Metadata = map[string]string{"reason": req.Reason}
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	refund, err := a.client.V1Refunds.Create(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}
	status := string(refund.Status)
	if status == "failed" || status == "canceled" {
		return nil, domain.NewGatewayError(Provider, "refund_"+status,
			"The refund could not be completed.", "refund "+refund.ID+" is "+status, nil)
	}
	return &domain.RefundResult{
		Success:       true,
		TransactionID: refund.ID,
		Raw:           map[string]any{"refund": refund.ID, "status": status},
	}, nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, gatewayID string) error {
	if _, err := a.client.V1Subscriptions.Cancel(ctx, gatewayID, &stripe.SubscriptionCancelParams{}); err != nil {
		return mapError(err)
	}
	return nil
}

func (a *Adapter) UpdatePaymentMethod(ctx context.Context, gatewayID string, method domain.PaymentMethod) error {
	params := &stripe.SubscriptionUpdateParams{
		DefaultPaymentMethod: stripe.String(method.Token),
	}
	if _, err := a.client.V1Subscriptions.Update(ctx, gatewayID, params); err != nil {
		return mapError(err)
	}
	return nil
}

// ValidateCard confirms the payment method exists, is a card and has not expired.
func (a *Adapter) ValidateCard(ctx context.Context, method domain.PaymentMethod) (bool, error) {
	pm, err := a.client.V1PaymentMethods.Retrieve(ctx, method.Token, nil)
	if err != nil {
		return false, mapError(err)
	}
	if pm.Card == nil {
		return false, nil
	}
	card := domain.PaymentMethod{
		Token:    method.Token,
		ExpMonth: int(pm.Card.ExpMonth),
		ExpYear:  int(pm.Card.ExpYear),
	}
	return !card.Expired(a.now()), nil
}

func (a *Adapter) ensureCustomer(ctx context.Context, customerRef string, method domain.PaymentMethod, ownerID snowflake.ID) (string, error) {
	if ref := strings.TrimSpace(customerRef); ref != "" {
		return ref, nil
	}
	if ref := strings.TrimSpace(method.CustomerRef); ref != "" {
		return ref, nil
	}
	customer, err := a.client.V1Customers.Create(ctx, &stripe.CustomerCreateParams{
		PaymentMethod: stripe.String(method.Token),
		Metadata:      map[string]string{"owner_id": ownerID.String()},
	})
	if err != nil {
		return "", mapError(err)
	}
	return customer.ID, nil
}

func metadata(extra map[string]string, invoiceID, ownerID snowflake.ID) map[string]string {
	meta := make(map[string]string, len(extra)+2)
	for k, v := range extra {
		meta[k] = v
	}
	if invoiceID != 0 {
		meta["invoice_id"] = invoiceID.String()
	}
	if ownerID != 0 {
		meta["owner_id"] = ownerID.String()
	}
	return meta
}

func intervalFor(unit string) (string, error) {
	switch strings.ToUpper(unit) {
	case "DAY":
		return "day", nil
	case "MONTH", "":
		return "month", nil
	default:
		return "", domain.NewGatewayError(Provider, "unsupported_interval",
			"The subscription period is not supported.", "period unit "+unit, nil)
	}
}

func mapError(err error) *domain.GatewayError {
	stripeErr, ok := err.(*stripe.Error)
	if !ok {
		return domain.NewGatewayError(Provider, "gateway_unavailable",
			"The payment provider could not be reached.", err.Error(), err)
	}

	code := string(stripeErr.Code)
	if code == "" {
		code = string(stripeErr.Type)
	}
	var message string
	switch stripeErr.Code {
	case stripe.ErrorCodeCardDeclined:
		message = "Your card was declined."
	case stripe.ErrorCodeAuthenticationRequired:
		message = "Your bank requires you to authenticate this payment."
	case stripe.ErrorCodeExpiredCard:
		message = "Your card has expired."
	default:
		message = strings.TrimSpace(stripeErr.Msg)
		if message == "" {
			message = "The payment could not be processed."
		}
	}
	return domain.NewGatewayError(Provider, code, message, fmt.Sprintf("%d %s", stripeErr.HTTPStatusCode, stripeErr.Error()), err)
}

// Decode verifies the Stripe-Signature header and maps the event.
func (a *Adapter) Decode(ctx context.Context, payload []byte, headers http.Header) (*domain.Event, error) {
	signature := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if signature == "" || a.webhookSecret == "" {
		return nil, domain.ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, commerceerr.Wrap(domain.ErrInvalidSignature, err.Error())
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return nil, domain.ErrInvalidEventPayload
	}
	return a.mapEvent(event.ID, string(event.Type), event.Created, event.Data.Raw, payload)
}
