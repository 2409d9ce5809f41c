package http

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"

	x402 "github.com/permitflow/x402"
)

// maxRejectionBody caps how much of a 401/402 body is read when looking for a
// priced requirement.
const maxRejectionBody = 64 << 10

// PermitSigner mints a signed permit against a router config. Implemented by
// signers/evm.PermitSigner.
type PermitSigner interface {
	SignPermit(ctx context.Context, permitCap *big.Int, cfg x402.RouterConfig) (*x402.CachedPermit, error)
}

// PaymentTransport is a drop-in http.RoundTripper that transparently pays for
// requests rejected with 401/402: it resolves the router config, obtains a
// permit (cached or freshly signed), attaches the payment header, and retries
// exactly once. Any other response passes through unmodified.
//
// When StaticSignature is set, the header is attached to every request up
// front and the rejection/retry path is skipped entirely; static mode and
// signed-permit mode are mutually exclusive per configuration.
type PaymentTransport struct {
	// Base is the underlying transport; nil means http.DefaultTransport.
	Base http.RoundTripper

	// Resolver supplies the router config in signed-permit mode.
	Resolver *ConfigResolver

	// Cache owns permit issuance, reuse, and spend accounting.
	Cache *x402.PermitCache

	// Signer mints permits on a cache miss.
	Signer PermitSigner

	// PermitCap is the spend cap each freshly signed permit authorizes.
	PermitCap *big.Int

	// StaticSignature, when non-empty, is sent on every request and disables
	// the signed-permit flow.
	StaticSignature string

	// HeaderName is the payment header used in static mode (signed mode takes
	// the name from the resolved router config). Empty means the default.
	HeaderName string

	// Hooks are optional observation callbacks.
	Hooks x402.PaymentHooks
}

// NewPaymentTransport wires a transport from validated configuration.
func NewPaymentTransport(cfg *x402.Config, resolver *ConfigResolver, cache *x402.PermitCache, signer PermitSigner, base http.RoundTripper) *PaymentTransport {
	return &PaymentTransport{
		Base:            base,
		Resolver:        resolver,
		Cache:           cache,
		Signer:          signer,
		PermitCap:       cfg.PermitCap,
		StaticSignature: cfg.StaticPaymentSignature,
		HeaderName:      cfg.PaymentHeader,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *PaymentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	if t.StaticSignature != "" {
		headerName := t.HeaderName
		if headerName == "" {
			headerName = x402.DefaultPaymentHeader
		}
		staticReq := req.Clone(req.Context())
		staticReq.Header.Set(headerName, t.StaticSignature)
		return base.RoundTrip(staticReq)
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if !paymentRequired(resp.StatusCode) {
		return resp, nil
	}

	ctx := req.Context()
	cfg := t.Resolver.Resolve(ctx)
	key := cfg.PermitKey()

	event := x402.PaymentEvent{
		Type:      x402.PaymentEventAttempt,
		AttemptID: uuid.NewString(),
		Timestamp: time.Now(),
		URL:       req.URL.String(),
		Network:   cfg.Network,
		PermitKey: key,
	}
	t.emit(t.Hooks.OnPaymentAttempt, event)
	start := time.Now()

	permit, err := t.Cache.GetPermit(ctx, key, func(ctx context.Context) (*x402.CachedPermit, error) {
		return t.Signer.SignPermit(ctx, t.PermitCap, *cfg)
	})
	if err != nil {
		// A retry cannot be attempted; surface the original rejection rather
		// than masking it with the signing error.
		event.Type = x402.PaymentEventFailure
		event.Err = err
		event.Status = resp.StatusCode
		event.Duration = time.Since(start)
		t.emit(t.Hooks.OnPaymentFailure, event)
		return resp, nil
	}

	retryReq, err := cloneForRetry(ctx, req)
	if err != nil {
		// The body cannot be replayed; the rejection is the final answer.
		event.Type = x402.PaymentEventFailure
		event.Err = err
		event.Status = resp.StatusCode
		event.Duration = time.Since(start)
		t.emit(t.Hooks.OnPaymentFailure, event)
		return resp, nil
	}
	retryReq.Header.Set(cfg.PaymentHeader, permit.PaymentSig)

	// The original rejection is consumed at this point: read any priced
	// requirement out of it, then release the connection.
	amount := rejectionAmount(resp)

	retryResp, err := base.RoundTrip(retryReq)
	if err != nil {
		event.Type = x402.PaymentEventFailure
		event.Err = err
		event.Duration = time.Since(start)
		t.emit(t.Hooks.OnPaymentFailure, event)
		return nil, err
	}

	event.Status = retryResp.StatusCode
	event.Duration = time.Since(start)
	if paymentRequired(retryResp.StatusCode) {
		// A second rejection after a good-faith retry is terminal; it is
		// returned to the caller, never retried a third time.
		event.Type = x402.PaymentEventFailure
		event.Err = x402.NewPaymentError(x402.ErrCodeRetryExhausted,
			"payment rejected after signed retry", nil)
		t.emit(t.Hooks.OnPaymentFailure, event)
	} else {
		t.Cache.RecordSpend(key, amount)
		event.Type = x402.PaymentEventSuccess
		t.emit(t.Hooks.OnPaymentSuccess, event)
	}
	return retryResp, nil
}

func (t *PaymentTransport) emit(hook func(x402.PaymentEvent), event x402.PaymentEvent) {
	if hook != nil {
		hook(event)
	}
}

// paymentRequired reports whether status is a payment-required rejection.
func paymentRequired(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusPaymentRequired
}

// cloneForRetry clones req for the paid retry, restoring the body from
// GetBody. A request whose body was consumed and cannot be replayed returns
// an error so the caller surfaces the original rejection instead.
func cloneForRetry(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeRetryExhausted,
			"request body is not replayable; set Request.GetBody to enable payment retries", nil)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}

// rejectionAmount extracts the priced requirement from a 401/402 response
// body when the router includes one, and drains/closes the body so the
// underlying connection can be reused. Returns nil when no usable amount is
// present; spend accounting is skipped in that case.
func rejectionAmount(resp *http.Response) *big.Int {
	if resp.Body == nil {
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRejectionBody))
	if err != nil || len(body) == 0 {
		return nil
	}

	var priced struct {
		Amount            string `json:"amount"`
		MaxAmountRequired string `json:"maxAmountRequired"`
	}
	if err := json.Unmarshal(body, &priced); err != nil {
		return nil
	}

	value := priced.Amount
	if value == "" {
		value = priced.MaxAmountRequired
	}
	if value == "" {
		return nil
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() <= 0 {
		return nil
	}
	return amount
}
