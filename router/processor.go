/*
processor.go - Payment processor adapters

Processors are the capability the router composes over: a name and a
Process call. Razorpay, PayU, and CCAvenue speak JSON over HTTP to
their collect endpoints; Stripe goes through its official SDK. Every
adapter honors the context deadline the dispatcher sets; an overrun
surfaces as an error and is recorded as a failure.
*/
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v76"
	stripeclient "github.com/stripe/stripe-go/v76/client"

	"github.com/arthapay/paycore/domain"
)

// PaymentResult is what a processor reports back.
type PaymentResult struct {
	Gateway      string
	GatewayTxnID string
	Status       string
	Amount       decimal.Decimal
	Currency     string
	RawResponse  map[string]any
	Duration     time.Duration
}

// Processor is one external payment gateway.
type Processor interface {
	Name() string
	Process(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
}

// =============================================================================
// HTTP ADAPTERS (Razorpay, PayU, CCAvenue)
// =============================================================================

// httpProcessor covers the Indian PSPs, which all take a JSON collect
// request and answer with an id and a status.
type httpProcessor struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRazorpay builds the Razorpay adapter.
func NewRazorpay(baseURL, apiKey string, timeout time.Duration) Processor {
	return newHTTPProcessor("razorpay", baseURL, apiKey, timeout)
}

// NewPayU builds the PayU adapter.
func NewPayU(baseURL, apiKey string, timeout time.Duration) Processor {
	return newHTTPProcessor("payu", baseURL, apiKey, timeout)
}

// NewCCAvenue builds the CCAvenue adapter.
func NewCCAvenue(baseURL, apiKey string, timeout time.Duration) Processor {
	return newHTTPProcessor("ccavenue", baseURL, apiKey, timeout)
}

func newHTTPProcessor(name, baseURL, apiKey string, timeout time.Duration) *httpProcessor {
	return &httpProcessor{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *httpProcessor) Name() string { return p.name }

func (p *httpProcessor) Process(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	started := time.Now()

	body, err := json.Marshal(map[string]any{
		"order_id": req.OrderID,
		"amount":   req.Amount.String(),
		"currency": req.Currency,
		"method":   req.Method,
		"vpa":      req.VPA,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &domain.GatewayError{Gateway: p.name, Code: "network_error", Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &domain.GatewayError{Gateway: p.name, Code: "read_error", Message: err.Error()}
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = map[string]any{"body": string(raw)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.GatewayError{
			Gateway: p.name,
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: fmt.Sprintf("payment rejected: %s", string(raw)),
		}
	}

	txnID, _ := parsed["id"].(string)
	status, _ := parsed["status"].(string)
	return &PaymentResult{
		Gateway:      p.name,
		GatewayTxnID: txnID,
		Status:       status,
		Amount:       req.Amount,
		Currency:     req.Currency,
		RawResponse:  parsed,
		Duration:     time.Since(started),
	}, nil
}

// =============================================================================
// STRIPE ADAPTER
// =============================================================================

// stripeProcessor drives a confirmed PaymentIntent through the Stripe
// SDK.
type stripeProcessor struct {
	api *stripeclient.API
}

// NewStripe builds the Stripe adapter.
func NewStripe(apiKey string) Processor {
	api := &stripeclient.API{}
	api.Init(apiKey, nil)
	return &stripeProcessor{api: api}
}

func (p *stripeProcessor) Name() string { return "stripe" }

func (p *stripeProcessor) Process(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	started := time.Now()

	// Stripe wants the amount in the currency's minor unit.
	minor := req.Amount.Mul(decimal.NewFromInt(100)).IntPart()
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		Confirm:  stripe.Bool(true),
	}
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("tenant_id", req.TenantID)

	intent, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, &domain.GatewayError{Gateway: "stripe", Code: "payment_intent_failed", Message: err.Error()}
	}

	return &PaymentResult{
		Gateway:      "stripe",
		GatewayTxnID: intent.ID,
		Status:       string(intent.Status),
		Amount:       req.Amount,
		Currency:     req.Currency,
		Duration:     time.Since(started),
	}, nil
}
