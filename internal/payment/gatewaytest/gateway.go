// Package gatewaytest provides a mock payment gateway for orchestration tests.
package gatewaytest

import (
	"context"
	"net/http"

	"github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/stretchr/testify/mock"
)

// Gateway is a testify mock implementing domain.Adapter.
type Gateway struct {
	mock.Mock
	Name string
}

func New() *Gateway {
	return &Gateway{Name: "mockpay"}
}

func (g *Gateway) Provider() string {
	return g.Name
}

func (g *Gateway) AuthorizeOneTime(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	args := g.Called(ctx, req)
	result, _ := args.Get(0).(*domain.ChargeResult)
	return result, args.Error(1)
}

func (g *Gateway) AuthorizeSubscription(ctx context.Context, req domain.SubscriptionRequest) (*domain.SubscriptionResult, error) {
	args := g.Called(ctx, req)
	result, _ := args.Get(0).(*domain.SubscriptionResult)
	return result, args.Error(1)
}

func (g *Gateway) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	args := g.Called(ctx, req)
	result, _ := args.Get(0).(*domain.RefundResult)
	return result, args.Error(1)
}

func (g *Gateway) CancelSubscription(ctx context.Context, gatewayID string) error {
	return g.Called(ctx, gatewayID).Error(0)
}

func (g *Gateway) UpdatePaymentMethod(ctx context.Context, gatewayID string, method domain.PaymentMethod) error {
	return g.Called(ctx, gatewayID, method).Error(0)
}

func (g *Gateway) ValidateCard(ctx context.Context, method domain.PaymentMethod) (bool, error) {
	args := g.Called(ctx, method)
	return args.Bool(0), args.Error(1)
}

func (g *Gateway) Decode(ctx context.Context, payload []byte, headers http.Header) (*domain.Event, error) {
	args := g.Called(ctx, payload, headers)
	event, _ := args.Get(0).(*domain.Event)
	return event, args.Error(1)
}

// Declined is a gateway error as adapters report a declined card.
func Declined(provider string) *domain.GatewayError {
	return domain.NewGatewayError(provider, "card_declined", "Your card was declined.", `{"error":"card_declined"}`, nil)
}
