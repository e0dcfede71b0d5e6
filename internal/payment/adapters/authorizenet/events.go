package authorizenet

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/commerce/internal/payment/domain"
)

const signatureHeader = "X-ANET-Signature"

type notification struct {
	NotificationID string          `json:"notificationId"`
	EventType      string          `json:"eventType"`
	EventDate      string          `json:"eventDate"`
	Payload        json.RawMessage `json:"payload"`
}

type notificationProfile struct {
	CustomerProfileID json.Number `json:"customerProfileId"`
}

type transactionPayload struct {
	ID            string               `json:"id"`
	ResponseCode  int                  `json:"responseCode"`
	AuthAmount    decimal.Decimal      `json:"authAmount"`
	CurrencyCode  string               `json:"currencyCode"`
	InvoiceNumber string               `json:"invoiceNumber"`
	Profile       *notificationProfile `json:"profile"`
	Subscription  *struct {
		ID json.Number `json:"id"`
	} `json:"subscription"`
	LineItems []struct {
		ItemID   string      `json:"itemId"`
		Quantity json.Number `json:"quantity"`
	} `json:"lineItems"`
}

type subscriptionPayload struct {
	ID      json.Number          `json:"id"`
	Status  string               `json:"status"`
	Profile *notificationProfile `json:"profile"`
}

// Decode verifies the X-ANET-Signature HMAC-SHA512 and maps the notification.
func (a *Adapter) Decode(ctx context.Context, payload []byte, headers http.Header) (*domain.Event, error) {
	if !a.verify(payload, headers.Get(signatureHeader)) {
		return nil, domain.ErrInvalidSignature
	}

	var n notification
	if err := json.Unmarshal(payload, &n); err != nil || strings.TrimSpace(n.NotificationID) == "" {
		return nil, domain.ErrInvalidEventPayload
	}

	event := &domain.Event{
		Provider:        Provider,
		ProviderEventID: n.NotificationID,
		ProviderType:    n.EventType,
		Kind:            domain.EventUnknown,
		SiteID:          a.siteID,
		OccurredAt:      parseEventDate(n.EventDate, a.now()),
		Payload:         payload,
	}

	switch n.EventType {
	case "net.authorize.payment.authcapture.created":
		var txn transactionPayload
		if err := json.Unmarshal(n.Payload, &txn); err != nil || txn.ID == "" {
			return nil, domain.ErrInvalidEventPayload
		}
		event.ChargeID = txn.ID
		event.GatewayInvoiceID = firstNonEmpty(txn.InvoiceNumber, txn.ID)
		event.Amount = parseAmount(txn.AuthAmount)
		event.Currency = strings.ToUpper(firstNonEmpty(txn.CurrencyCode, "USD"))
		event.Paid = txn.ResponseCode == 1
		if txn.Profile != nil {
			event.CustomerRef = txn.Profile.CustomerProfileID.String()
		}
		for _, item := range txn.LineItems {
			offerID, err := snowflake.ParseString(item.ItemID)
			if err != nil || offerID == 0 {
				continue
			}
			qty, err := item.Quantity.Int64()
			if err != nil || qty <= 0 {
				qty = 1
			}
			event.Lines = append(event.Lines, domain.EventLine{OfferID: offerID, Quantity: int(qty)})
		}
		if txn.Subscription != nil && txn.Subscription.ID.String() != "" {
			event.SubscriptionRef = txn.Subscription.ID.String()
			event.Kind = domain.EventSubscriptionInvoicePaid
		} else {
			event.Kind = domain.EventInvoicePaid
		}

	case "net.authorize.customer.subscription.cancelled",
		"net.authorize.customer.subscription.terminated",
		"net.authorize.customer.subscription.updated",
		"net.authorize.customer.subscription.suspended",
		"net.authorize.customer.subscription.expired":
		var sub subscriptionPayload
		if err := json.Unmarshal(n.Payload, &sub); err != nil || sub.ID.String() == "" {
			return nil, domain.ErrInvalidEventPayload
		}
		event.SubscriptionRef = sub.ID.String()
		event.Status = strings.ToLower(sub.Status)
		if sub.Profile != nil {
			event.CustomerRef = sub.Profile.CustomerProfileID.String()
		}
		switch n.EventType {
		case "net.authorize.customer.subscription.cancelled", "net.authorize.customer.subscription.terminated":
			event.Kind = domain.EventSubscriptionDeleted
		default:
			event.Kind = domain.EventSubscriptionUpdated
			if event.Status == "" {
				event.Status = strings.TrimPrefix(n.EventType, "net.authorize.customer.subscription.")
			}
		}
	}
	return event, nil
}

func (a *Adapter) verify(payload []byte, header string) bool {
	if a.signatureKey == "" {
		return false
	}
	header = strings.TrimSpace(header)
	scheme, value, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(scheme, "sha512") {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(a.signatureKey))
	_, _ = mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

func parseEventDate(value string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value)); err == nil {
		return t.UTC()
	}
	return fallback.UTC()
}
