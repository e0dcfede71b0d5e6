// Package authorizenet adapts the Authorize.Net transaction, ARB and webhook APIs.
package authorizenet

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
	"github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/smallbiznis/commerce/internal/schedule"
)

const (
	Provider = "authorizenet"

	// acceptDescriptor marks tokens produced by Accept.js.
	acceptDescriptor = "COMMON.ACCEPT.INAPP.PAYMENT"
	// unboundedOccurrences is the ARB value for "until canceled".
	unboundedOccurrences = 9999
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) New(cfg domain.Config) (domain.Adapter, error) {
	loginID := strings.TrimSpace(cfg.APILoginID)
	transactionKey := strings.TrimSpace(cfg.TransactionKey)
	if loginID == "" || transactionKey == "" {
		return nil, commerceerr.Wrap(domain.ErrUnsupportedProvider, "authorizenet api_login_id and transaction_key are required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = productionEndpoint
		if cfg.Sandbox {
			endpoint = sandboxEndpoint
		}
	}
	return &Adapter{
		siteID:       cfg.SiteID,
		client:       newClient(endpoint, loginID, transactionKey),
		signatureKey: strings.TrimSpace(cfg.WebhookSecret),
		sandbox:      cfg.Sandbox,
		now:          time.Now,
	}, nil
}

type Adapter struct {
	siteID       snowflake.ID
	client       *client
	signatureKey string
	sandbox      bool
	now          func() time.Time
}

func (a *Adapter) Provider() string {
	return Provider
}

type opaqueData struct {
	DataDescriptor string `json:"dataDescriptor"`
	DataValue      string `json:"dataValue"`
}

type creditCard struct {
	CardNumber     string `json:"cardNumber"`
	ExpirationDate string `json:"expirationDate"`
}

type payment struct {
	CreditCard *creditCard `json:"creditCard,omitempty"`
	OpaqueData *opaqueData `json:"opaqueData,omitempty"`
}

type paymentProfileRef struct {
	PaymentProfileID string `json:"paymentProfileId"`
}

type customerProfile struct {
	CreateProfile     bool               `json:"createProfile,omitempty"`
	CustomerProfileID string             `json:"customerProfileId,omitempty"`
	PaymentProfile    *paymentProfileRef `json:"paymentProfile,omitempty"`
}

type order struct {
	InvoiceNumber string `json:"invoiceNumber,omitempty"`
	Description   string `json:"description,omitempty"`
}

type customer struct {
	ID string `json:"id,omitempty"`
}

type billTo struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Address   string `json:"address,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Zip       string `json:"zip,omitempty"`
	Country   string `json:"country,omitempty"`
}

// Field order follows the API schema, which rejects reordered elements.
type transactionRequest struct {
	TransactionType string           `json:"transactionType"`
	Amount          string           `json:"amount"`
	CurrencyCode    string           `json:"currencyCode,omitempty"`
	Payment         *payment         `json:"payment,omitempty"`
	Profile         *customerProfile `json:"profile,omitempty"`
	RefTransID      string           `json:"refTransId,omitempty"`
	Order           *order           `json:"order,omitempty"`
	Customer        *customer        `json:"customer,omitempty"`
	BillTo          *billTo          `json:"billTo,omitempty"`
}

type createTransactionRequest struct {
	MerchantAuthentication merchantAuthentication `json:"merchantAuthentication"`
	RefID                  string                 `json:"refId,omitempty"`
	TransactionRequest     transactionRequest     `json:"transactionRequest"`
}

type transactionError struct {
	ErrorCode string `json:"errorCode"`
	ErrorText string `json:"errorText"`
}

type createTransactionResponse struct {
	TransactionResponse *struct {
		ResponseCode string             `json:"responseCode"`
		AuthCode     string             `json:"authCode"`
		TransID      string             `json:"transId"`
		Errors       []transactionError `json:"errors"`
	} `json:"transactionResponse"`
	ProfileResponse *struct {
		CustomerProfileID            string   `json:"customerProfileId"`
		CustomerPaymentProfileIDList []string `json:"customerPaymentProfileIdList"`
	} `json:"profileResponse"`
	Messages apiMessages `json:"messages"`
}

func (a *Adapter) AuthorizeOneTime(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	txn := transactionRequest{
		TransactionType: "authCaptureTransaction",
		Amount:          formatAmount(req.Amount),
		CurrencyCode:    strings.ToUpper(req.Currency),
		Order:           &order{InvoiceNumber: req.InvoiceID.String(), Description: truncate(req.Description, 255)},
		Customer:        &customer{ID: req.OwnerID.String()},
	}
	customerRef := firstNonEmpty(req.CustomerRef, req.Method.CustomerRef)
	if customerRef != "" {
		txn.Profile = &customerProfile{
			CustomerProfileID: customerRef,
			PaymentProfile:    &paymentProfileRef{PaymentProfileID: req.Method.Token},
		}
	} else {
		txn.Payment = &payment{OpaqueData: &opaqueData{DataDescriptor: acceptDescriptor, DataValue: req.Method.Token}}
		txn.Profile = &customerProfile{CreateProfile: true}
		txn.BillTo = billToFor(req.Address)
	}

	var resp createTransactionResponse
	err := a.client.call(ctx, "createTransactionRequest", createTransactionRequest{
		MerchantAuthentication: a.client.auth,
		RefID:                  truncate(req.IdempotencyKey, 20),
		TransactionRequest:     txn,
	}, &resp)
	if err != nil {
		return nil, err
	}
	transID, err := approved(resp)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{
		"trans_id":  transID,
		"auth_code": resp.TransactionResponse.AuthCode,
	}
	if profile := resp.ProfileResponse; profile != nil && profile.CustomerProfileID != "" {
		customerRef = profile.CustomerProfileID
		if len(profile.CustomerPaymentProfileIDList) > 0 {
			raw["payment_profile_id"] = profile.CustomerPaymentProfileIDList[0]
		}
	}
	return &domain.ChargeResult{
		Success:       true,
		TransactionID: transID,
		CustomerRef:   customerRef,
		Raw:           raw,
	}, nil
}

func (a *Adapter) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	last4 := req.Method.Last4
	if last4 == "" {
		return nil, domain.NewGatewayError(Provider, "card_required",
			"The refund needs the last four digits of the card.", "refund without card last4", nil)
	}
	var resp createTransactionResponse
	err := a.client.call(ctx, "createTransactionRequest", createTransactionRequest{
		MerchantAuthentication: a.client.auth,
		RefID:                  truncate(req.IdempotencyKey, 20),
		TransactionRequest: transactionRequest{
			TransactionType: "refundTransaction",
			Amount:          formatAmount(req.Amount),
			Payment:         &payment{CreditCard: &creditCard{CardNumber: last4, ExpirationDate: "XXXX"}},
			RefTransID:      req.TransactionID,
		},
	}, &resp)
	if err != nil {
		return nil, err
	}
	transID, err := approved(resp)
	if err != nil {
		return nil, err
	}
	return &domain.RefundResult{
		Success:       true,
		TransactionID: transID,
		Raw:           map[string]any{"trans_id": transID, "ref_trans_id": req.TransactionID},
	}, nil
}

// approved returns the transaction id of an approved response or the gateway
// error describing why it was not approved.
func approved(resp createTransactionResponse) (string, error) {
	tr := resp.TransactionResponse
	if tr != nil && tr.ResponseCode == "1" && resp.Messages.ok() {
		return tr.TransID, nil
	}
	if tr != nil && len(tr.Errors) > 0 {
		code := tr.Errors[0].ErrorCode
		return "", domain.NewGatewayError(Provider, code, userMessage(tr.ResponseCode, code), tr.Errors[0].ErrorText, nil)
	}
	msg := resp.Messages.first()
	return "", domain.NewGatewayError(Provider, msg.Code, "The payment could not be processed.", msg.Text, nil)
}

func userMessage(responseCode, errorCode string) string {
	switch {
	case responseCode == "2":
		return "Your card was declined."
	case errorCode == "8" || errorCode == "317":
		return "Your card has expired."
	case errorCode == "6" || errorCode == "37":
		return "Your card number is invalid."
	case responseCode == "4":
		return "Your payment is under review."
	default:
		return "The payment could not be processed."
	}
}

type interval struct {
	Length int    `json:"length"`
	Unit   string `json:"unit"`
}

type paymentSchedule struct {
	Interval         interval `json:"interval"`
	StartDate        string   `json:"startDate"`
	TotalOccurrences string   `json:"totalOccurrences"`
	TrialOccurrences string   `json:"trialOccurrences,omitempty"`
}

type arbProfile struct {
	CustomerProfileID        string `json:"customerProfileId,omitempty"`
	CustomerPaymentProfileID string `json:"customerPaymentProfileId,omitempty"`
}

type arbSubscription struct {
	Name            string           `json:"name,omitempty"`
	PaymentSchedule *paymentSchedule `json:"paymentSchedule,omitempty"`
	Amount          string           `json:"amount,omitempty"`
	TrialAmount     string           `json:"trialAmount,omitempty"`
	Payment         *payment         `json:"payment,omitempty"`
	Order           *order           `json:"order,omitempty"`
	Customer        *customer        `json:"customer,omitempty"`
	BillTo          *billTo          `json:"billTo,omitempty"`
	Profile         *arbProfile      `json:"profile,omitempty"`
}

type arbCreateRequest struct {
	MerchantAuthentication merchantAuthentication `json:"merchantAuthentication"`
	RefID                  string                 `json:"refId,omitempty"`
	Subscription           arbSubscription        `json:"subscription"`
}

type arbCreateResponse struct {
	SubscriptionID string `json:"subscriptionId"`
	Profile        *struct {
		CustomerProfileID string `json:"customerProfileId"`
	} `json:"profile"`
	Messages apiMessages `json:"messages"`
}

type arbCancelRequest struct {
	MerchantAuthentication merchantAuthentication `json:"merchantAuthentication"`
	SubscriptionID         string                 `json:"subscriptionId"`
}

type arbUpdateRequest struct {
	MerchantAuthentication merchantAuthentication `json:"merchantAuthentication"`
	SubscriptionID         string                 `json:"subscriptionId"`
	Subscription           arbSubscription        `json:"subscription"`
}

type messagesResponse struct {
	Messages apiMessages `json:"messages"`
}

// AuthorizeSubscription creates an ARB subscription. Without a trial the first
// period is captured immediately and ARB takes over from the second one, so
// the first charge has a transaction id the renewal webhooks can match.
func (a *Adapter) AuthorizeSubscription(ctx context.Context, req domain.SubscriptionRequest) (*domain.SubscriptionResult, error) {
	unit, err := arbUnit(req.PeriodUnit)
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	count := max(req.PeriodCount, 1)
	customerRef := firstNonEmpty(req.CustomerRef, req.Method.CustomerRef)

	// ARB runs trial occurrences itself, so those schedules start today.
	trial := req.TrialOccurrences > 0
	start := req.StartAt
	if trial || start.IsZero() || start.Before(now) {
		start = now
	}
	paidOccurrences := req.Occurrences
	firstTransID := ""

	if !req.HasTrial() {
		charge, err := a.AuthorizeOneTime(ctx, domain.ChargeRequest{
			IdempotencyKey: req.IdempotencyKey,
			InvoiceID:      req.InvoiceID,
			OwnerID:        req.OwnerID,
			Amount:         req.Amount,
			Currency:       req.Currency,
			Description:    req.Name,
			CustomerRef:    customerRef,
			Method:         req.Method,
			Address:        req.Address,
		})
		if err != nil {
			return nil, err
		}
		firstTransID = charge.TransactionID
		if customerRef == "" && charge.CustomerRef != "" {
			// The charge stored the card on a new profile; ARB bills that profile.
			customerRef = charge.CustomerRef
			if id, ok := charge.Raw["payment_profile_id"].(string); ok && id != "" {
				req.Method.Token = id
			}
		}
		start = schedule.AddPeriod(start, offerdomain.PeriodUnit(strings.ToUpper(req.PeriodUnit)), count)
		if paidOccurrences > 0 {
			paidOccurrences--
			if paidOccurrences == 0 {
				return &domain.SubscriptionResult{
					Success:       true,
					GatewayID:     "single-" + firstTransID,
					TransactionID: firstTransID,
					Status:        "expired",
					CustomerRef:   customerRef,
				}, nil
			}
		}
	}

	total := unboundedOccurrences
	if paidOccurrences > 0 {
		total = paidOccurrences
		if trial {
			total += req.TrialOccurrences
		}
	}
	sched := &paymentSchedule{
		Interval:         interval{Length: count, Unit: unit},
		StartDate:        start.Format("2006-01-02"),
		TotalOccurrences: strconv.Itoa(total),
	}
	sub := arbSubscription{
		Name:            truncate(req.Name, 50),
		PaymentSchedule: sched,
		Amount:          formatAmount(req.Amount),
		Order:           &order{InvoiceNumber: req.InvoiceID.String()},
	}
	if trial {
		sched.TrialOccurrences = strconv.Itoa(req.TrialOccurrences)
		sub.TrialAmount = formatAmount(req.TrialAmount)
	}
	if customerRef != "" {
		sub.Profile = &arbProfile{CustomerProfileID: customerRef, CustomerPaymentProfileID: req.Method.Token}
	} else {
		sub.Payment = &payment{OpaqueData: &opaqueData{DataDescriptor: acceptDescriptor, DataValue: req.Method.Token}}
		sub.Customer = &customer{ID: req.OwnerID.String()}
		sub.BillTo = billToFor(req.Address)
	}

	var resp arbCreateResponse
	err = a.client.call(ctx, "ARBCreateSubscriptionRequest", arbCreateRequest{
		MerchantAuthentication: a.client.auth,
		RefID:                  truncate(req.IdempotencyKey, 20),
		Subscription:           sub,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Messages.ok() || resp.SubscriptionID == "" {
		msg := resp.Messages.first()
		return nil, domain.NewGatewayError(Provider, msg.Code, "The subscription could not be created.", msg.Text, nil)
	}
	if resp.Profile != nil && resp.Profile.CustomerProfileID != "" {
		customerRef = resp.Profile.CustomerProfileID
	}

	txnID := firstTransID
	if txnID == "" {
		txnID = "arb-" + resp.SubscriptionID
	}
	return &domain.SubscriptionResult{
		Success:       true,
		GatewayID:     resp.SubscriptionID,
		TransactionID: txnID,
		Status:        "active",
		CustomerRef:   customerRef,
		Raw: map[string]any{
			"subscription_id": resp.SubscriptionID,
			"start_date":      sched.StartDate,
		},
	}, nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, gatewayID string) error {
	var resp messagesResponse
	err := a.client.call(ctx, "ARBCancelSubscriptionRequest", arbCancelRequest{
		MerchantAuthentication: a.client.auth,
		SubscriptionID:         gatewayID,
	}, &resp)
	if err != nil {
		return err
	}
	return messagesError(resp.Messages, "The subscription could not be canceled.")
}

func (a *Adapter) UpdatePaymentMethod(ctx context.Context, gatewayID string, method domain.PaymentMethod) error {
	sub := arbSubscription{}
	if method.CustomerRef != "" {
		sub.Profile = &arbProfile{CustomerProfileID: method.CustomerRef, CustomerPaymentProfileID: method.Token}
	} else {
		sub.Payment = &payment{OpaqueData: &opaqueData{DataDescriptor: acceptDescriptor, DataValue: method.Token}}
	}
	var resp messagesResponse
	err := a.client.call(ctx, "ARBUpdateSubscriptionRequest", arbUpdateRequest{
		MerchantAuthentication: a.client.auth,
		SubscriptionID:         gatewayID,
		Subscription:           sub,
	}, &resp)
	if err != nil {
		return err
	}
	return messagesError(resp.Messages, "The payment method could not be updated.")
}

type validateProfileRequest struct {
	MerchantAuthentication   merchantAuthentication `json:"merchantAuthentication"`
	CustomerProfileID        string                 `json:"customerProfileId"`
	CustomerPaymentProfileID string                 `json:"customerPaymentProfileId"`
	ValidationMode           string                 `json:"validationMode"`
}

// ValidateCard runs a profile validation when the card is stored on a
// customer profile and otherwise checks the expiry it was given.
func (a *Adapter) ValidateCard(ctx context.Context, method domain.PaymentMethod) (bool, error) {
	if method.CustomerRef == "" {
		return !method.Expired(a.now()), nil
	}
	mode := "liveMode"
	if a.sandbox {
		mode = "testMode"
	}
	var resp messagesResponse
	err := a.client.call(ctx, "validateCustomerPaymentProfileRequest", validateProfileRequest{
		MerchantAuthentication:   a.client.auth,
		CustomerProfileID:        method.CustomerRef,
		CustomerPaymentProfileID: method.Token,
		ValidationMode:           mode,
	}, &resp)
	if err != nil {
		return false, err
	}
	if resp.Messages.ok() {
		return true, nil
	}
	// E00027: the validation transaction was declined.
	if resp.Messages.first().Code == "E00027" {
		return false, nil
	}
	return false, messagesError(resp.Messages, "The card could not be verified.")
}

func messagesError(messages apiMessages, userMessage string) error {
	if messages.ok() {
		return nil
	}
	msg := messages.first()
	return domain.NewGatewayError(Provider, msg.Code, userMessage, msg.Text, nil)
}

func arbUnit(unit string) (string, error) {
	switch strings.ToUpper(unit) {
	case "DAY":
		return "days", nil
	case "MONTH", "":
		return "months", nil
	default:
		return "", domain.NewGatewayError(Provider, "unsupported_interval",
			"The subscription period is not supported.", "period unit "+unit, nil)
	}
}

func billToFor(addr domain.BillingAddress) *billTo {
	first, last, _ := strings.Cut(strings.TrimSpace(addr.Name), " ")
	street := strings.TrimSpace(strings.Join([]string{addr.Line1, addr.Line2}, " "))
	return &billTo{
		FirstName: truncate(first, 50),
		LastName:  truncate(strings.TrimSpace(last), 50),
		Address:   truncate(street, 60),
		City:      truncate(addr.City, 40),
		State:     truncate(addr.Region, 40),
		Zip:       truncate(addr.PostalCode, 20),
		Country:   truncate(addr.Country, 60),
	}
}

func formatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

func parseAmount(value decimal.Decimal) int64 {
	return value.Shift(2).Round(0).IntPart()
}

func truncate(value string, n int) string {
	value = strings.TrimSpace(value)
	if len(value) <= n {
		return value
	}
	return value[:n]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
