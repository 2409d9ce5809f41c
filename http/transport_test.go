package http

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	x402 "github.com/permitflow/x402"
)

// scriptedTransport pops one canned response per round trip and records the
// requests it saw.
type scriptedTransport struct {
	mu        sync.Mutex
	responses []*http.Response
	errs      []error
	requests  []*http.Request
	bodies    []string
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body := ""
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		req.Body.Close()
		body = string(data)
	}
	s.requests = append(s.requests, req)
	s.bodies = append(s.bodies, body)

	idx := len(s.requests) - 1
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx >= len(s.responses) {
		return nil, errors.New("scripted transport exhausted")
	}
	return s.responses[idx], nil
}

func (s *scriptedTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// fakeSigner mints deterministic permits and counts invocations.
type fakeSigner struct {
	signs int32
	err   error
}

func (f *fakeSigner) SignPermit(ctx context.Context, permitCap *big.Int, cfg x402.RouterConfig) (*x402.CachedPermit, error) {
	atomic.AddInt32(&f.signs, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &x402.CachedPermit{
		PaymentSig: "signed-permit-payload",
		Deadline:   time.Now().Add(time.Hour).Unix(),
		MaxValue:   permitCap.String(),
		Nonce:      "0",
		Network:    cfg.Network,
		Asset:      cfg.Asset,
		PayTo:      cfg.PayTo,
	}, nil
}

func seededResolver(cfg x402.RouterConfig) *ConfigResolver {
	resolver := NewConfigResolver("http://router.invalid", testDefaults(), nil)
	resolver.cached = &cfg
	resolver.fetchedAt = time.Now()
	return resolver
}

func signedRouterConfig() x402.RouterConfig {
	return x402.RouterConfig{
		Network:           "eip155:8453",
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		PayTo:             "0x1111111111111111111111111111111111111111",
		FacilitatorSigner: "0x2222222222222222222222222222222222222222",
		TokenName:         "USD Coin",
		TokenVersion:      "2",
		PaymentHeader:     "PAYMENT-SIGNATURE",
	}
}

func newTestTransport(base http.RoundTripper, cfg x402.RouterConfig, signer PermitSigner) (*PaymentTransport, *x402.PermitCache) {
	cache := x402.NewPermitCache()
	return &PaymentTransport{
		Base:      base,
		Resolver:  seededResolver(cfg),
		Cache:     cache,
		Signer:    signer,
		PermitCap: big.NewInt(10_000_000),
	}, cache
}

func TestPaymentTransport_PassThrough(t *testing.T) {
	base := &scriptedTransport{responses: []*http.Response{response(200, "ok")}}
	transport, _ := newTestTransport(base, signedRouterConfig(), &fakeSigner{})

	req, _ := http.NewRequest(http.MethodGet, "http://api.example.com/v1/data", nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if base.calls() != 1 {
		t.Errorf("expected 1 network call, got %d", base.calls())
	}
	if got := base.requests[0].Header.Get("PAYMENT-SIGNATURE"); got != "" {
		t.Errorf("pass-through request must not carry a payment header, got %q", got)
	}
}

func TestPaymentTransport_PaysAndRetriesOnce(t *testing.T) {
	cfg := signedRouterConfig()
	signer := &fakeSigner{}
	base := &scriptedTransport{responses: []*http.Response{
		response(402, `{"amount":"1500"}`),
		response(200, "paid content"),
	}}
	transport, cache := newTestTransport(base, cfg, signer)

	var events []x402.PaymentEvent
	transport.Hooks = x402.PaymentHooks{
		OnPaymentAttempt: func(e x402.PaymentEvent) { events = append(events, e) },
		OnPaymentSuccess: func(e x402.PaymentEvent) { events = append(events, e) },
	}

	req, _ := http.NewRequest(http.MethodGet, "http://api.example.com/v1/completions", nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected final 200, got %d", resp.StatusCode)
	}
	if base.calls() != 2 {
		t.Fatalf("expected exactly 2 network calls, got %d", base.calls())
	}
	if got := atomic.LoadInt32(&signer.signs); got != 1 {
		t.Errorf("expected 1 sign, got %d", got)
	}

	retry := base.requests[1]
	if got := retry.Header.Get(cfg.PaymentHeader); got != "signed-permit-payload" {
		t.Errorf("retry must carry the permit payload, got %q", got)
	}

	// Spend from the priced rejection lands on the permit's ledger.
	if spent := cache.Spent(cfg.PermitKey()); spent.Cmp(big.NewInt(1500)) != 0 {
		t.Errorf("expected recorded spend 1500, got %s", spent)
	}

	if len(events) != 2 || events[0].Type != x402.PaymentEventAttempt || events[1].Type != x402.PaymentEventSuccess {
		t.Errorf("unexpected event sequence: %+v", events)
	}
	if events[0].AttemptID == "" || events[0].AttemptID != events[1].AttemptID {
		t.Errorf("events must share a non-empty attempt id")
	}
}

func TestPaymentTransport_SecondRejectionIsTerminal(t *testing.T) {
	signer := &fakeSigner{}
	base := &scriptedTransport{responses: []*http.Response{
		response(402, ""),
		response(402, ""),
	}}
	transport, _ := newTestTransport(base, signedRouterConfig(), signer)

	var failure *x402.PaymentEvent
	transport.Hooks.OnPaymentFailure = func(e x402.PaymentEvent) { failure = &e }

	req, _ := http.NewRequest(http.MethodGet, "http://api.example.com/v1/completions", nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 402 {
		t.Errorf("expected the second 402 back, got %d", resp.StatusCode)
	}
	if base.calls() != 2 {
		t.Fatalf("expected exactly 2 network calls (no third attempt), got %d", base.calls())
	}
	if failure == nil || failure.Status != 402 {
		t.Errorf("expected a failure event for the terminal rejection, got %+v", failure)
	}
}

func TestPaymentTransport_StaticMode(t *testing.T) {
	base := &scriptedTransport{responses: []*http.Response{response(402, "")}}
	signer := &fakeSigner{}
	transport := &PaymentTransport{
		Base:            base,
		Signer:          signer,
		StaticSignature: "operator-supplied-sig",
		HeaderName:      "PAYMENT-SIGNATURE",
	}

	req, _ := http.NewRequest(http.MethodGet, "http://api.example.com/v1/completions", nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Static mode: header attached up front, no signing, no retry even on 402.
	if resp.StatusCode != 402 {
		t.Errorf("expected the 402 to pass through, got %d", resp.StatusCode)
	}
	if base.calls() != 1 {
		t.Fatalf("expected 1 network call in static mode, got %d", base.calls())
	}
	if got := base.requests[0].Header.Get("PAYMENT-SIGNATURE"); got != "operator-supplied-sig" {
		t.Errorf("expected static header on first attempt, got %q", got)
	}
	if atomic.LoadInt32(&signer.signs) != 0 {
		t.Error("static mode must never sign")
	}
}

func TestPaymentTransport_SigningFailureSurfacesRejection(t *testing.T) {
	signer := &fakeSigner{err: errors.New("rpc unreachable")}
	base := &scriptedTransport{responses: []*http.Response{
		response(402, `{"error":"payment required"}`),
	}}
	transport, _ := newTestTransport(base, signedRouterConfig(), signer)

	req, _ := http.NewRequest(http.MethodGet, "http://api.example.com/v1/completions", nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("signing failure must not surface as a transport error, got %v", err)
	}
	if resp.StatusCode != 402 {
		t.Errorf("expected the original 402, got %d", resp.StatusCode)
	}
	if base.calls() != 1 {
		t.Errorf("expected no retry without a permit, got %d calls", base.calls())
	}

	// The original body is returned unconsumed.
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"error":"payment required"}` {
		t.Errorf("expected intact rejection body, got %q", body)
	}
}

func TestPaymentTransport_ReplayableBodyIsRestored(t *testing.T) {
	base := &scriptedTransport{responses: []*http.Response{
		response(402, ""),
		response(200, "ok"),
	}}
	transport, _ := newTestTransport(base, signedRouterConfig(), &fakeSigner{})

	req, _ := http.NewRequest(http.MethodPost, "http://api.example.com/v1/completions",
		bytes.NewReader([]byte(`{"prompt":"hello"}`)))
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if base.calls() != 2 {
		t.Fatalf("expected 2 calls, got %d", base.calls())
	}
	if base.bodies[1] != `{"prompt":"hello"}` {
		t.Errorf("retry body must match the original, got %q", base.bodies[1])
	}
}

func TestPaymentTransport_NonReplayableBodySkipsRetry(t *testing.T) {
	base := &scriptedTransport{responses: []*http.Response{response(402, "")}}
	transport, _ := newTestTransport(base, signedRouterConfig(), &fakeSigner{})

	req, _ := http.NewRequest(http.MethodPost, "http://api.example.com/v1/completions", nil)
	req.Body = io.NopCloser(strings.NewReader("one-shot stream"))
	req.GetBody = nil

	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 402 {
		t.Errorf("expected the rejection back, got %d", resp.StatusCode)
	}
	if base.calls() != 1 {
		t.Errorf("expected no retry for a non-replayable body, got %d calls", base.calls())
	}
}

func TestPaymentTransport_UnauthorizedAlsoTriggersPayment(t *testing.T) {
	base := &scriptedTransport{responses: []*http.Response{
		response(401, ""),
		response(200, "ok"),
	}}
	transport, _ := newTestTransport(base, signedRouterConfig(), &fakeSigner{})

	req, _ := http.NewRequest(http.MethodGet, "http://api.example.com/v1/completions", nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 || base.calls() != 2 {
		t.Errorf("expected paid retry after 401, got status %d after %d calls", resp.StatusCode, base.calls())
	}
}

func TestPaymentTransport_PermitReusedAcrossRequests(t *testing.T) {
	signer := &fakeSigner{}
	base := &scriptedTransport{responses: []*http.Response{
		response(402, ""), response(200, "a"),
		response(402, ""), response(200, "b"),
	}}
	transport, _ := newTestTransport(base, signedRouterConfig(), signer)

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, "http://api.example.com/v1/completions", nil)
		if _, err := transport.RoundTrip(req); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	if got := atomic.LoadInt32(&signer.signs); got != 1 {
		t.Errorf("expected the cached permit to be reused, got %d signs", got)
	}
}
