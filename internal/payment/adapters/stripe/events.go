package stripe

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/smallbiznis/commerce/internal/payment/domain"
)

type stripeInvoice struct {
	ID           string            `json:"id"`
	Customer     json.RawMessage   `json:"customer"`
	Subscription json.RawMessage   `json:"subscription"`
	Status       string            `json:"status"`
	AmountPaid   int64             `json:"amount_paid"`
	Currency     string            `json:"currency"`
	Created      int64             `json:"created"`
	Metadata     map[string]string `json:"metadata"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

type stripeSubscription struct {
	ID       string            `json:"id"`
	Customer json.RawMessage   `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

func (a *Adapter) mapEvent(id, eventType string, created int64, object json.RawMessage, payload []byte) (*domain.Event, error) {
	event := &domain.Event{
		Provider:        Provider,
		ProviderEventID: id,
		ProviderType:    eventType,
		Kind:            domain.EventUnknown,
		SiteID:          a.siteID,
		OccurredAt:      unixOr(created, a.now()),
		Payload:         payload,
	}

	switch eventType {
	case "invoice.paid", "invoice.payment_succeeded":
		var invoice stripeInvoice
		if err := json.Unmarshal(object, &invoice); err != nil || invoice.ID == "" {
			return nil, domain.ErrInvalidEventPayload
		}
		event.GatewayInvoiceID = invoice.ID
		event.ChargeID = invoice.ID
		event.CustomerRef = refID(invoice.Customer)
		event.Amount = invoice.AmountPaid
		event.Currency = strings.ToUpper(invoice.Currency)
		event.Paid = invoice.Status == "paid"
		event.Lines = domain.ParseLines(invoice.Metadata[domain.LinesMetadataKey])
		if invoice.StatusTransitions.PaidAt > 0 {
			event.OccurredAt = time.Unix(invoice.StatusTransitions.PaidAt, 0).UTC()
		}

		event.SubscriptionRef = refID(invoice.Subscription)
		if event.SubscriptionRef == "" && invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil {
			event.SubscriptionRef = refID(invoice.Parent.SubscriptionDetails.Subscription)
		}
		if event.SubscriptionRef != "" {
			event.Kind = domain.EventSubscriptionInvoicePaid
		} else {
			event.Kind = domain.EventInvoicePaid
		}

	case "customer.subscription.deleted", "customer.subscription.updated":
		var sub stripeSubscription
		if err := json.Unmarshal(object, &sub); err != nil || sub.ID == "" {
			return nil, domain.ErrInvalidEventPayload
		}
		event.SubscriptionRef = sub.ID
		event.CustomerRef = refID(sub.Customer)
		event.Status = sub.Status
		if eventType == "customer.subscription.deleted" {
			event.Kind = domain.EventSubscriptionDeleted
		} else {
			event.Kind = domain.EventSubscriptionUpdated
		}
	}
	return event, nil
}

// refID reads an expandable reference that is either an id or an object.
func refID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &object); err == nil {
		return strings.TrimSpace(object.ID)
	}
	return ""
}

func unixOr(sec int64, fallback time.Time) time.Time {
	if sec <= 0 {
		return fallback.UTC()
	}
	return time.Unix(sec, 0).UTC()
}
