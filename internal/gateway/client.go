package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Error is returned when the gateway rejects a request. StatusCode is the
// HTTP status of the provider response; Description is the provider's own
// error message when one was supplied.
type Error struct {
	StatusCode  int
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Description)
}

// GatewayOrder is the remote payment intent created for a checkout. Amount is
// in minor units of Currency.
type GatewayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type Client struct {
	baseURL   string
	keyID     string
	keySecret string
	http      *http.Client
}

func NewClient(baseURL, keyID, keySecret string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   baseURL,
		keyID:     keyID,
		keySecret: keySecret,
		http:      &http.Client{Timeout: timeout},
	}
}

// KeyID is the public identifier the checkout client needs to render the
// gateway's payment widget.
func (c *Client) KeyID() string {
	return c.keyID
}

type createOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// CreateOrder opens a remote payment intent for the given amount. The local
// order id is recorded in the intent's notes for auditability. The request is
// not retried: a duplicate would mint a second remote intent.
func (c *Client) CreateOrder(ctx context.Context, amount decimal.Decimal, currency string, orderID int64) (*GatewayOrder, error) {
	body, err := json.Marshal(createOrderRequest{
		Amount:   MinorUnits(amount),
		Currency: currency,
		Receipt:  "rcpt_" + uuid.NewString(),
		Notes:    map[string]string{"order_id": strconv.FormatInt(orderID, 10)},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal create order request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build create order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gwErr := &Error{StatusCode: resp.StatusCode}
		var e struct {
			Error struct {
				Description string `json:"description"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &e) == nil {
			gwErr.Description = e.Error.Description
		}
		return nil, gwErr
	}

	var order GatewayOrder
	if err := json.Unmarshal(respBody, &order); err != nil {
		return nil, fmt.Errorf("decode gateway order: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("gateway order missing id")
	}

	return &order, nil
}

// MinorUnits converts a decimal amount to the integer minor units the gateway
// expects (e.g. 59.99 -> 5999).
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
