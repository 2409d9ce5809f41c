package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/permitflow/x402"
)

const (
	// ConfigTTL is how long a resolved router config is served from cache.
	ConfigTTL = 30 * time.Second

	// configPath is the router's configuration endpoint.
	configPath = "/v1/config"

	// maxConfigBody caps how much of the config response is read.
	maxConfigBody = 1 << 20
)

// configSchema is validated against the router's response before any field is
// trusted. All fields are optional; unknown shapes simply fail validation and
// degrade to the fallback.
const configSchema = `{
	"type": "object",
	"properties": {
		"network": {"type": "string"},
		"asset": {"type": "string"},
		"payTo": {"type": "string"},
		"facilitatorSigner": {"type": "string"},
		"tokenName": {"type": "string"},
		"tokenVersion": {"type": "string"},
		"paymentHeader": {"type": "string"}
	}
}`

// ConfigResolver fetches and caches the payment router's asset/recipient/token
// metadata. Resolution never fails: on HTTP, parse, or schema errors the
// resolver returns (and caches) a fallback config built from locally-known
// defaults, letting the payment flow degrade instead of hard-failing every
// request while the router is unreachable.
//
// Refresh is fetch-then-replace, never a partial merge, so two routers'
// metadata are never mixed in one snapshot.
type ConfigResolver struct {
	routerURL string
	defaults  x402.RouterConfig
	client    *http.Client
	schema    *gojsonschema.Schema

	mu        sync.Mutex
	cached    *x402.RouterConfig
	fetchedAt time.Time

	now func() time.Time
}

// NewConfigResolver creates a resolver for the router at routerURL. The
// defaults seed the fallback config (network, payment header, token domain
// parameters). A nil client gets a 10s-timeout default.
func NewConfigResolver(routerURL string, defaults x402.RouterConfig, client *http.Client) *ConfigResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	// The schema is a package constant; compilation cannot fail at runtime.
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(configSchema))
	if err != nil {
		panic("x402/http: invalid router config schema: " + err.Error())
	}

	return &ConfigResolver{
		routerURL: strings.TrimSuffix(routerURL, "/"),
		defaults:  defaults,
		client:    client,
		schema:    schema,
		now:       time.Now,
	}
}

// Resolve returns the router config, serving the cached snapshot while it is
// younger than ConfigTTL. Within the TTL window the identical pointer is
// returned, so callers can rely on referential equality for cache hits.
func (r *ConfigResolver) Resolve(ctx context.Context) *x402.RouterConfig {
	r.mu.Lock()
	if r.cached != nil && r.now().Sub(r.fetchedAt) < ConfigTTL {
		cached := r.cached
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	cfg := r.fetch(ctx)

	r.mu.Lock()
	r.cached = cfg
	r.fetchedAt = r.now()
	r.mu.Unlock()

	return cfg
}

// fetch retrieves and normalizes the router's config, falling back to the
// static defaults on any failure.
func (r *ConfigResolver) fetch(ctx context.Context) *x402.RouterConfig {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.routerURL+configPath, nil)
	if err != nil {
		return r.fallback()
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return r.fallback()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return r.fallback()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigBody))
	if err != nil {
		return r.fallback()
	}

	result, err := r.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil || !result.Valid() {
		return r.fallback()
	}

	var wire x402.RouterConfig
	if err := json.Unmarshal(body, &wire); err != nil {
		return r.fallback()
	}

	// Overlay fetched fields onto the fallback so missing fields keep their
	// locally-known defaults and network/paymentHeader are never empty.
	cfg := *r.fallback()
	if wire.Network != "" {
		cfg.Network = wire.Network
	}
	if wire.Asset != "" {
		cfg.Asset = wire.Asset
	}
	if wire.PayTo != "" {
		cfg.PayTo = wire.PayTo
	}
	if wire.FacilitatorSigner != "" {
		cfg.FacilitatorSigner = wire.FacilitatorSigner
	}
	if wire.TokenName != "" {
		cfg.TokenName = wire.TokenName
	}
	if wire.TokenVersion != "" {
		cfg.TokenVersion = wire.TokenVersion
	}
	if wire.PaymentHeader != "" {
		cfg.PaymentHeader = wire.PaymentHeader
	}
	return &cfg
}

// fallback synthesizes a config from the locally-known defaults with
// placeholder asset/recipient fields.
func (r *ConfigResolver) fallback() *x402.RouterConfig {
	cfg := r.defaults
	if cfg.Network == "" {
		cfg.Network = x402.DefaultNetwork
	}
	if cfg.PaymentHeader == "" {
		cfg.PaymentHeader = x402.DefaultPaymentHeader
	}
	if cfg.Asset == "" {
		cfg.Asset = x402.PlaceholderAddress
	}
	if cfg.PayTo == "" {
		cfg.PayTo = x402.PlaceholderAddress
	}
	if cfg.FacilitatorSigner == "" {
		cfg.FacilitatorSigner = x402.PlaceholderAddress
	}
	if cfg.TokenName == "" || cfg.TokenVersion == "" {
		chain := x402.ResolveChain(cfg.Network)
		if cfg.TokenName == "" {
			cfg.TokenName = chain.DefaultTokenName
		}
		if cfg.TokenVersion == "" {
			cfg.TokenVersion = chain.DefaultTokenVersion
		}
	}
	return &cfg
}
