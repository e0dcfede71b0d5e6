// Package domain describes one authorization attempt over an invoice and the
// payment operations that follow it.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	invoicedomain "github.com/smallbiznis/commerce/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/smallbiznis/commerce/internal/sitecontext"
	subscriptiondomain "github.com/smallbiznis/commerce/internal/subscription/domain"
)

// State is a step of an authorization attempt.
type State string

const (
	StateInit                 State = "INIT"
	StatePreAuth              State = "PRE_AUTH"
	StateAuthorizing          State = "AUTHORIZING"
	StateOneTimeSettled       State = "ONE_TIME_SETTLED"
	StateSubscriptionsSettled State = "SUBSCRIPTIONS_SETTLED"
	StateFailed               State = "FAILED"
	StateDone                 State = "DONE"
)

// FreeProvider is recorded on payments that settle without a gateway.
const FreeProvider = "free"

type AuthorizeRequest struct {
	InvoiceID snowflake.ID `validate:"required"`
	Method    paymentdomain.PaymentMethod
	Address   paymentdomain.BillingAddress
}

type AuthorizeResult struct {
	InvoiceID     snowflake.ID
	InvoiceStatus invoicedomain.Status
	Success       bool
	// States is the trace of the attempt, ending in DONE.
	States          []State
	Payments        []paymentdomain.Payment
	Subscriptions   []subscriptiondomain.Subscription
	ReceiptsWritten int
	// ErrorCode and ErrorMessage describe the failure that ended the attempt.
	// ErrorMessage may be shown to the buyer.
	ErrorCode    string
	ErrorMessage string
}

// Final returns the last state before DONE.
func (r AuthorizeResult) Final() State {
	for i := len(r.States) - 1; i >= 0; i-- {
		if r.States[i] != StateDone {
			return r.States[i]
		}
	}
	return StateInit
}

type RefundResult struct {
	Success bool
	Payment *paymentdomain.Payment
	Refund  *paymentdomain.Refund
	Error   *paymentdomain.GatewayError
}

type CancelResult struct {
	Success      bool
	Subscription *subscriptiondomain.Subscription
	Error        *paymentdomain.GatewayError
}

// Hooks are called around the gateway calls of every attempt that passed
// validation. A PreAuthorize error fails the attempt.
type Hooks interface {
	PreAuthorize(ctx context.Context, invoice *invoicedomain.Invoice) error
	PostAuthorize(ctx context.Context, invoice *invoicedomain.Invoice, result *AuthorizeResult)
}

type Service interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error)
	Refund(ctx context.Context, paymentID snowflake.ID, amount int64, reason string) (*RefundResult, error)
	CancelSubscription(ctx context.Context, subscriptionID snowflake.ID, actor sitecontext.Actor) (*CancelResult, error)
	UpdatePaymentMethod(ctx context.Context, subscriptionID snowflake.ID, method paymentdomain.PaymentMethod) error
}

var (
	ErrInvalidRequest          = commerceerr.Validation("invalid_authorize_request")
	ErrInvalidPaymentDetails   = commerceerr.Validation("invalid_payment_details")
	ErrInvoiceNotPayable       = commerceerr.Validation("invoice_not_payable")
	ErrInvalidRefund           = commerceerr.Validation("invalid_refund")
	ErrAuthorizationInProgress = commerceerr.Consistency("authorization_in_progress")
)
