package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// EventKind is the provider-independent category of a webhook.
type EventKind string

const (
	EventInvoicePaid             EventKind = "invoice_paid"
	EventSubscriptionInvoicePaid EventKind = "subscription_invoice_paid"
	EventSubscriptionDeleted     EventKind = "subscription_deleted"
	EventSubscriptionUpdated     EventKind = "subscription_updated"
	EventUnknown                 EventKind = "unknown"
)

// EventLine is one purchased offer carried in provider metadata.
type EventLine struct {
	OfferID  snowflake.ID
	Quantity int
}

// Event is a decoded, verified provider notification.
type Event struct {
	Provider        string
	ProviderEventID string
	ProviderType    string
	Kind            EventKind
	SiteID          snowflake.ID

	CustomerRef      string
	GatewayInvoiceID string
	ChargeID         string
	SubscriptionRef  string
	// Status is the raw provider subscription status.
	Status     string
	Amount     int64
	Currency   string
	Paid       bool
	OccurredAt time.Time
	Lines      []EventLine

	Payload []byte
}

// LinesMetadataKey names the provider metadata entry listing purchased offers.
const LinesMetadataKey = "commerce_lines"

// EncodeLines renders lines as "offer:qty,offer:qty".
func EncodeLines(lines []EventLine) string {
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.OfferID == 0 || line.Quantity <= 0 {
			continue
		}
		parts = append(parts, line.OfferID.String()+":"+strconv.Itoa(line.Quantity))
	}
	return strings.Join(parts, ",")
}

// ParseLines reads the EncodeLines format. Malformed entries are skipped and a
// missing quantity counts as one.
func ParseLines(value string) []EventLine {
	var lines []EventLine
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idPart, qtyPart, hasQty := strings.Cut(part, ":")
		offerID, err := snowflake.ParseString(strings.TrimSpace(idPart))
		if err != nil || offerID == 0 {
			continue
		}
		qty := 1
		if hasQty {
			parsed, err := strconv.Atoi(strings.TrimSpace(qtyPart))
			if err != nil || parsed <= 0 {
				continue
			}
			qty = parsed
		}
		lines = append(lines, EventLine{OfferID: offerID, Quantity: qty})
	}
	return lines
}
