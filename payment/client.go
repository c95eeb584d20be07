// Package payment implements the payment coordinator contract against the
// billing gateway's HTTP API. Request-path calls are single attempts: a
// declined or failed charge is surfaced to the caller, never silently
// retried.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bookwell/billing-engine/subscription"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

type paymentRequest struct {
	BusinessID      string            `json:"business_id"`
	SubscriptionID  string            `json:"subscription_id"`
	Amount          string            `json:"amount"`
	Currency        string            `json:"currency"`
	PaymentMethodID string            `json:"payment_method_id"`
	Purpose         string            `json:"purpose"`
	IdempotencyKey  string            `json:"idempotency_key"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type paymentResponse struct {
	Success   bool   `json:"success"`
	PaymentID string `json:"payment_id"`
	Error     string `json:"error,omitempty"`
}

// CreateProrationPayment charges the prorated amount for an immediate plan
// change. Gateway declines come back as a non-success result, not an error;
// transport failures are errors.
func (c *Client) CreateProrationPayment(ctx context.Context, req *subscription.ProrationPaymentRequest) (*subscription.PaymentResult, error) {
	body := paymentRequest{
		BusinessID:      req.BusinessID,
		SubscriptionID:  req.SubscriptionID,
		Amount:          req.Amount.String(),
		Currency:        req.Currency,
		PaymentMethodID: req.PaymentMethodID,
		Purpose:         "proration",
		IdempotencyKey:  uuid.NewString(),
		Metadata:        req.Metadata,
	}

	var resp paymentResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/payments", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to create proration payment: %w", err)
	}

	return &subscription.PaymentResult{
		Success:   resp.Success,
		PaymentID: resp.PaymentID,
		Error:     resp.Error,
	}, nil
}

// CreateRenewalPayment charges the full price of the next billing period.
func (c *Client) CreateRenewalPayment(ctx context.Context, req *subscription.RenewalPaymentRequest) (*subscription.PaymentResult, error) {
	body := paymentRequest{
		BusinessID:      req.BusinessID,
		SubscriptionID:  req.SubscriptionID,
		Amount:          req.Amount.String(),
		Currency:        req.Currency,
		PaymentMethodID: req.PaymentMethodID,
		Purpose:         "renewal",
		IdempotencyKey:  uuid.NewString(),
		Metadata: map[string]string{
			"period_start": req.PeriodStart.Format(time.RFC3339),
			"period_end":   req.PeriodEnd.Format(time.RFC3339),
		},
	}

	var resp paymentResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/payments", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to create renewal payment: %w", err)
	}

	return &subscription.PaymentResult{
		Success:   resp.Success,
		PaymentID: resp.PaymentID,
		Error:     resp.Error,
	}, nil
}

func (c *Client) GetStoredPaymentMethods(ctx context.Context, businessID string) ([]subscription.PaymentMethod, error) {
	var resp struct {
		PaymentMethods []subscription.PaymentMethod `json:"payment_methods"`
	}

	path := fmt.Sprintf("/v1/businesses/%s/payment-methods", businessID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}

	return resp.PaymentMethods, nil
}

func (c *Client) StorePaymentMethod(ctx context.Context, businessID string, card *subscription.CardData, makeDefault bool) (*subscription.PaymentMethod, error) {
	body := struct {
		Card        *subscription.CardData `json:"card"`
		MakeDefault bool                   `json:"make_default"`
	}{
		Card:        card,
		MakeDefault: makeDefault,
	}

	var method subscription.PaymentMethod
	path := fmt.Sprintf("/v1/businesses/%s/payment-methods", businessID)
	if err := c.doRequest(ctx, http.MethodPost, path, body, &method); err != nil {
		return nil, fmt.Errorf("failed to store payment method: %w", err)
	}

	return &method, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	url := c.cfg.BaseURL + path

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseAPIError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}

	return nil
}
