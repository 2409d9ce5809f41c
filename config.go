package x402

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
)

// Environment variables consumed by the payment layer.
const (
	EnvPrivateKey      = "X402_PRIVATE_KEY"
	EnvRouterURL       = "X402_ROUTER_URL"
	EnvNetwork         = "X402_NETWORK"
	EnvPermitCap       = "X402_PERMIT_CAP"
	EnvPaymentHeader   = "X402_PAYMENT_HEADER"
	EnvStaticSignature = "X402_PAYMENT_SIGNATURE"
	EnvRPCURL          = "X402_RPC_URL"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultRouterURL = "http://localhost:8080"
	DefaultNetwork   = "eip155:8453"
	DefaultPermitCap = "10000000"
)

// Config holds the validated configuration for the payment transport.
// All fields are checked at load time; a malformed value is fatal at startup
// and never retried.
type Config struct {
	// PrivateKey is the canonical 0x-prefixed signing key.
	PrivateKey string

	// RouterURL is the base URL of the payment router.
	RouterURL string

	// Network is the CAIP-2 chain identifier permits are issued for.
	Network string

	// PermitCap is the spend cap each signed permit authorizes.
	PermitCap *big.Int

	// PaymentHeader is the HTTP header name used in static mode and as the
	// fallback when the router does not advertise one.
	PaymentHeader string

	// StaticPaymentSignature, when set, is attached to every request up front
	// and disables permit signing entirely. Mutually exclusive with the
	// signed-permit flow per configuration.
	StaticPaymentSignature string

	// RPCURL is the chain node endpoint used for ERC-2612 nonce reads.
	RPCURL string
}

// ConfigFromEnv loads and validates configuration from process environment.
func ConfigFromEnv() (*Config, error) {
	return LoadConfig(os.Getenv)
}

// LoadConfig loads configuration through the supplied lookup function,
// applying defaults and failing fast on malformed values.
func LoadConfig(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		RouterURL:              getenv(EnvRouterURL),
		Network:                getenv(EnvNetwork),
		PaymentHeader:          getenv(EnvPaymentHeader),
		StaticPaymentSignature: getenv(EnvStaticSignature),
		RPCURL:                 getenv(EnvRPCURL),
	}

	key := getenv(EnvPrivateKey)
	if key == "" {
		return nil, NewPaymentError(ErrCodeInvalidConfig,
			fmt.Sprintf("%s is required", EnvPrivateKey), nil)
	}
	normalized, err := NormalizePrivateKey(key)
	if err != nil {
		return nil, err
	}
	cfg.PrivateKey = normalized

	if cfg.RouterURL == "" {
		cfg.RouterURL = DefaultRouterURL
	}
	parsed, err := url.Parse(cfg.RouterURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, NewPaymentError(ErrCodeInvalidConfig,
			fmt.Sprintf("%s must be an absolute http(s) URL, got %q", EnvRouterURL, cfg.RouterURL), err)
	}

	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	if cfg.PaymentHeader == "" {
		cfg.PaymentHeader = DefaultPaymentHeader
	}

	capValue := getenv(EnvPermitCap)
	if capValue == "" {
		capValue = DefaultPermitCap
	}
	permitCap, err := ParsePositiveAmount(EnvPermitCap, capValue)
	if err != nil {
		return nil, err
	}
	cfg.PermitCap = permitCap

	return cfg, nil
}

// RouterDefaults builds the fallback RouterConfig used when the router's
// config endpoint is unreachable. Asset and recipient are placeholders; the
// EIP-712 token parameters come from the configured chain's default asset.
func (c *Config) RouterDefaults() RouterConfig {
	chain := ResolveChain(c.Network)
	return RouterConfig{
		Network:           c.Network,
		Asset:             PlaceholderAddress,
		PayTo:             PlaceholderAddress,
		FacilitatorSigner: PlaceholderAddress,
		TokenName:         chain.DefaultTokenName,
		TokenVersion:      chain.DefaultTokenVersion,
		PaymentHeader:     c.PaymentHeader,
	}
}
