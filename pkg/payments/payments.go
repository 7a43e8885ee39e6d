// Package payments is the payment gateway collaborator. Only saga
// steps call it: escrow holds on booking, refunds on compensation,
// payouts after completed sessions.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

var (
	// ErrDeclined means the gateway refused the charge.
	ErrDeclined = errors.New("payment declined")
	// ErrBadSignature means a webhook payload failed verification.
	ErrBadSignature = errors.New("invalid webhook signature")
)

// Config locates the payment gateway.
type Config struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default payment client configuration.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// Client talks to the payment gateway over HTTP.
type Client struct {
	http   *resty.Client
	secret []byte
	logger *slog.Logger
}

// NewClient builds a payment gateway client.
func NewClient(cfg Config) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}
	return &Client{
		http:   httpClient,
		secret: []byte(cfg.WebhookSecret),
		logger: slog.Default().With("component", "payments"),
	}
}

// ChargeRequest asks the gateway to charge a customer. Capture=false
// places a hold (escrow) that a later capture or refund settles.
type ChargeRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	CustomerID  string `json:"customer_id"`
	Reference   string `json:"reference"`
	Capture     bool   `json:"capture"`
}

// Charge is the gateway's record of a charge or hold.
type Charge struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
}

// PayoutRequest moves settled funds to a mentor.
type PayoutRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	AccountID   string `json:"account_id"`
	Reference   string `json:"reference"`
}

// Payout is the gateway's record of a payout.
type Payout struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// PaymentStatus is the current state of a charge, refund or payout.
type PaymentStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Charge charges or holds funds. Declines surface as ErrDeclined so
// saga steps can fail without retrying a hopeless charge.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	var (
		out     Charge
		gerr    gatewayError
		currReq = req
	)
	if currReq.Currency == "" {
		currReq.Currency = "usd"
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(currReq).
		SetResult(&out).
		SetError(&gerr).
		Post("/v1/charges")
	if err != nil {
		return nil, fmt.Errorf("charge request: %w", err)
	}
	if resp.StatusCode() == 402 {
		return nil, fmt.Errorf("%w: %s", ErrDeclined, gerr.Message)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("charge failed: status %d: %s", resp.StatusCode(), gerr.Message)
	}
	c.logger.Debug("Charge accepted", "charge_id", out.ID, "amount_cents", out.AmountCents, "capture", req.Capture)
	return &out, nil
}

// Refund returns held or captured funds. A zero amount refunds the
// full charge.
func (c *Client) Refund(ctx context.Context, chargeID string, amountCents int64) (*PaymentStatus, error) {
	body := map[string]any{"charge_id": chargeID}
	if amountCents > 0 {
		body["amount_cents"] = amountCents
	}
	var out PaymentStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/v1/refunds")
	if err != nil {
		return nil, fmt.Errorf("refund request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("refund failed: status %d", resp.StatusCode())
	}
	c.logger.Debug("Refund accepted", "charge_id", chargeID, "refund_id", out.ID)
	return &out, nil
}

// Payout sends settled funds to the mentor's account.
func (c *Client) Payout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	if req.Currency == "" {
		req.Currency = "usd"
	}
	var out Payout
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/payouts")
	if err != nil {
		return nil, fmt.Errorf("payout request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("payout failed: status %d", resp.StatusCode())
	}
	return &out, nil
}

// GetStatus fetches the current state of any payment object.
func (c *Client) GetStatus(ctx context.Context, id string) (*PaymentStatus, error) {
	var out PaymentStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/payments/" + id)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("status failed: status %d", resp.StatusCode())
	}
	return &out, nil
}

// VerifyWebhook checks the gateway's HMAC-SHA256 signature over the
// raw payload. The signature is hex-encoded.
func (c *Client) VerifyWebhook(payload []byte, signature string) error {
	if len(c.secret) == 0 {
		return fmt.Errorf("%w: no webhook secret configured", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
