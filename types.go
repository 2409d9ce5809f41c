package x402

import "fmt"

// Protocol constants.
const (
	// ProtocolVersion is the payment payload version emitted by this library.
	ProtocolVersion = 1

	// SchemePermit identifies the ERC-2612 permit payment scheme.
	SchemePermit = "permit"

	// DefaultPaymentHeader carries the base64 payment payload when the router
	// does not advertise a different header name.
	DefaultPaymentHeader = "PAYMENT-SIGNATURE"

	// PlaceholderAddress is used for asset/payTo fields in a fallback router
	// config so the payment flow can degrade instead of hard-failing when the
	// router is unreachable.
	PlaceholderAddress = "0x0000000000000000000000000000000000000000"
)

// RouterConfig is an immutable snapshot of the payment router's parameters.
// It is produced by the config resolver (fetched or synthesized as a fallback)
// and replaced wholesale on refresh, never mutated in place.
type RouterConfig struct {
	// Network is the CAIP-2 chain identifier, e.g. "eip155:8453".
	Network string `json:"network"`

	// Asset is the ERC-20 token contract the permit is signed against.
	Asset string `json:"asset"`

	// PayTo is the recipient address the router settles payments to.
	PayTo string `json:"payTo"`

	// FacilitatorSigner is the address authorized as spender on the permit.
	FacilitatorSigner string `json:"facilitatorSigner"`

	// TokenName and TokenVersion feed the EIP-712 domain separator.
	TokenName    string `json:"tokenName"`
	TokenVersion string `json:"tokenVersion"`

	// PaymentHeader is the HTTP header name carrying the payment proof.
	PaymentHeader string `json:"paymentHeader"`
}

// PermitKey returns the cache key identifying permits issued against this config.
func (c RouterConfig) PermitKey() string {
	return PermitKey(c.Network, c.Asset, c.PayTo)
}

// PermitKey builds the network:asset:payTo cache key for a permit.
func PermitKey(network, asset, payTo string) string {
	return fmt.Sprintf("%s:%s:%s", network, asset, payTo)
}

// PermitAuthorization is the EIP-712 Permit tuple embedded in the payment payload.
// All numeric fields are base-10 strings so the JSON survives uint256 values.
type PermitAuthorization struct {
	Owner    string `json:"owner"`
	Spender  string `json:"spender"`
	Value    string `json:"value"`
	Nonce    string `json:"nonce"`
	Deadline string `json:"deadline"`
}

// PermitPayload is the versioned JSON document base64-encoded into the payment
// header. The router decodes it to recover the authorization and signature.
type PermitPayload struct {
	X402Version int               `json:"x402Version"`
	Scheme      string            `json:"scheme"`
	Network     string            `json:"network"`
	Payload     PermitPayloadBody `json:"payload"`
}

// PermitPayloadBody carries the signature and the signed authorization tuple.
type PermitPayloadBody struct {
	Signature     string              `json:"signature"`
	Authorization PermitAuthorization `json:"authorization"`
}

// CachedPermit is a signed, reusable spending authorization. It is valid for
// reuse only while the deadline has not passed and the spend recorded against
// it has not reached MaxValue. Callers never mutate its fields; the permit
// cache owns the lifecycle.
type CachedPermit struct {
	// PaymentSig is the base64-encoded PermitPayload, ready to be set as the
	// payment header value.
	PaymentSig string

	// Deadline is the unix-seconds instant after which the permit is invalid.
	Deadline int64

	// MaxValue is the permit's authorized cap as a base-unit decimal string.
	MaxValue string

	// Nonce is the ERC-2612 replay-protection nonce this permit consumed.
	Nonce string

	// Identity of the router the permit was issued against.
	Network string
	Asset   string
	PayTo   string
}

// Key returns the permit cache key this permit was issued under.
func (p *CachedPermit) Key() string {
	return PermitKey(p.Network, p.Asset, p.PayTo)
}
