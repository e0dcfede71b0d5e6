package domain

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	"github.com/smallbiznis/commerce/internal/commerceerr"
)

// Gateway is the contract every payment provider adapter implements.
type Gateway interface {
	Provider() string
	AuthorizeOneTime(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	AuthorizeSubscription(ctx context.Context, req SubscriptionRequest) (*SubscriptionResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	CancelSubscription(ctx context.Context, gatewayID string) error
	UpdatePaymentMethod(ctx context.Context, gatewayID string, method PaymentMethod) error
	ValidateCard(ctx context.Context, method PaymentMethod) (bool, error)
}

// EventDecoder verifies a provider webhook and maps it to an Event.
type EventDecoder interface {
	Decode(ctx context.Context, payload []byte, headers http.Header) (*Event, error)
}

// Adapter is a provider implementation serving both directions.
type Adapter interface {
	Gateway
	EventDecoder
}

// GatewaySource resolves the gateway serving a site.
type GatewaySource interface {
	Gateway(siteID snowflake.ID) (Gateway, error)
}

// DecoderSource resolves the webhook decoder of a site.
type DecoderSource interface {
	Decoder(siteID snowflake.ID) (EventDecoder, error)
}

// Config holds the credentials of one site's provider account.
type Config struct {
	SiteID         snowflake.ID
	Provider       string
	SecretKey      string
	APILoginID     string
	TransactionKey string
	WebhookSecret  string
	Sandbox        bool
	Endpoint       string
}

// Factory builds adapters for one provider.
type Factory interface {
	Provider() string
	New(cfg Config) (Adapter, error)
}

// PaymentMethod is a tokenized card. Raw card numbers never reach the core.
type PaymentMethod struct {
	Token       string `validate:"required"`
	CustomerRef string
	Brand       string
	Last4       string `validate:"omitempty,len=4,numeric"`
	ExpMonth    int    `validate:"omitempty,min=1,max=12"`
	ExpYear     int    `validate:"omitempty,min=2000"`
}

// Expired reports whether the card expiry is before the month of at. Cards
// without an expiry are not considered expired.
func (m PaymentMethod) Expired(at time.Time) bool {
	if m.ExpMonth == 0 || m.ExpYear == 0 {
		return false
	}
	if m.ExpYear != at.Year() {
		return m.ExpYear < at.Year()
	}
	return m.ExpMonth < int(at.Month())
}

type BillingAddress struct {
	Name       string `validate:"required"`
	Line1      string `validate:"required"`
	Line2      string
	City       string `validate:"required"`
	Region     string
	PostalCode string `validate:"required"`
	Country    string `validate:"required,len=2,alpha"`
}

type ChargeRequest struct {
	IdempotencyKey string
	InvoiceID      snowflake.ID
	OwnerID        snowflake.ID
	Amount         int64
	Currency       string
	Description    string
	CustomerRef    string
	Method         PaymentMethod
	Address        BillingAddress
	Metadata       map[string]string
}

type ChargeResult struct {
	Success       bool
	TransactionID string
	// CustomerRef is the provider customer the charge was made against.
	CustomerRef string
	Raw         map[string]any
}

type SubscriptionRequest struct {
	IdempotencyKey string
	InvoiceID      snowflake.ID
	OwnerID        snowflake.ID
	OfferID        snowflake.ID
	ProductRef     string
	Name           string
	// Amount is charged every period once the trial ends.
	Amount      int64
	Currency    string
	PeriodUnit  string
	PeriodCount int
	// Occurrences is the number of paid periods, zero until canceled.
	Occurrences      int
	TrialOccurrences int
	TrialAmount      int64
	TrialDays        int
	// StartAt is when the first full-price period begins.
	StartAt     time.Time
	CustomerRef string
	Method      PaymentMethod
	Address     BillingAddress
	Metadata    map[string]string
}

// HasTrial reports whether the request carries an introductory period.
func (r SubscriptionRequest) HasTrial() bool {
	return r.TrialOccurrences > 0 || r.TrialDays > 0
}

type SubscriptionResult struct {
	Success       bool
	GatewayID     string
	TransactionID string
	Status        string
	CustomerRef   string
	Raw           map[string]any
}

type RefundRequest struct {
	IdempotencyKey string
	TransactionID  string
	Amount         int64
	Currency       string
	Reason         string
	Method         PaymentMethod
}

type RefundResult struct {
	Success       bool
	TransactionID string
	Raw           map[string]any
}

// GatewayError is a provider failure. It is marked with the gateway kind and
// carries the message that may be shown to the buyer.
type GatewayError struct {
	Provider    string
	Code        string
	UserMessage string
	Raw         string
	cause       error
}

func NewGatewayError(provider, code, userMessage, raw string, cause error) *GatewayError {
	return &GatewayError{
		Provider:    provider,
		Code:        code,
		UserMessage: userMessage,
		Raw:         raw,
		cause:       cause,
	}
}

func (e *GatewayError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Code, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Code)
}

func (e *GatewayError) Unwrap() error {
	marked := errors.Mark(errors.New(e.Code), commerceerr.ErrGateway)
	if e.cause == nil {
		return marked
	}
	return errors.CombineErrors(marked, e.cause)
}

// AsGatewayError extracts a GatewayError from err, wrapping unknown failures
// as a generic provider error.
func AsGatewayError(provider string, err error) *GatewayError {
	if err == nil {
		return nil
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return NewGatewayError(provider, "gateway_error", "The payment could not be processed.", err.Error(), err)
}
