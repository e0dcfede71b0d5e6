package authorizenet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/smallbiznis/commerce/internal/payment/domain"
)

const (
	sandboxEndpoint    = "https://apitest.authorize.net/xml/v1/request.api"
	productionEndpoint = "https://api.authorize.net/xml/v1/request.api"
)

var utf8BOM = []byte("\xef\xbb\xbf")

type merchantAuthentication struct {
	Name           string `json:"name"`
	TransactionKey string `json:"transactionKey"`
}

type apiMessage struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

type apiMessages struct {
	ResultCode string       `json:"resultCode"`
	Message    []apiMessage `json:"message"`
}

func (m apiMessages) ok() bool {
	return strings.EqualFold(m.ResultCode, "Ok")
}

func (m apiMessages) first() apiMessage {
	if len(m.Message) == 0 {
		return apiMessage{Code: "unknown", Text: "unknown error"}
	}
	return m.Message[0]
}

// client posts JSON requests to the Authorize.Net API. Requests are retried
// only when the gateway did not process them.
type client struct {
	endpoint string
	auth     merchantAuthentication
	http     *retryablehttp.Client
}

func newClient(endpoint, loginID, transactionKey string) *client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.RetryWaitMin = 200 * time.Millisecond
	httpClient.RetryWaitMax = 2 * time.Second
	httpClient.HTTPClient.Timeout = 30 * time.Second
	httpClient.Logger = nil
	httpClient.CheckRetry = retryUnprocessed

	return &client{
		endpoint: endpoint,
		auth:     merchantAuthentication{Name: loginID, TransactionKey: transactionKey},
		http:     httpClient,
	}
}

func retryUnprocessed(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true, nil
	}
	return false, nil
}

// call sends {name: request} and decodes the response into out.
func (c *client) call(ctx context.Context, name string, request any, out any) error {
	body, err := json.Marshal(map[string]any{name: request})
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewGatewayError(Provider, "gateway_unavailable",
			"The payment provider could not be reached.", err.Error(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewGatewayError(Provider, "gateway_unavailable",
			"The payment provider could not be reached.", err.Error(), err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return domain.NewGatewayError(Provider, fmt.Sprintf("http_%d", resp.StatusCode),
			"The payment could not be processed.", string(raw), nil)
	}

	raw = bytes.TrimPrefix(raw, utf8BOM)
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.NewGatewayError(Provider, "invalid_response",
			"The payment could not be processed.", string(raw), err)
	}
	return nil
}
