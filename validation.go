package x402

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

var (
	privateKeyPattern = regexp.MustCompile(`^0[xX][a-fA-F0-9]{64}$`)
	addressPattern    = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	numericPattern    = regexp.MustCompile(`^[0-9]+$`)
)

// NormalizePrivateKey validates a hex-encoded secp256k1 private key and
// returns it in canonical form: lowercase, "0x"-prefixed, 64 hex digits.
// Both "0x" and "0X" prefixes are accepted on input.
func NormalizePrivateKey(key string) (string, error) {
	if !privateKeyPattern.MatchString(key) {
		return "", NewPaymentError(ErrCodeInvalidPrivateKey,
			"privateKey must be a 0x-prefixed 64-hex-digit string", nil)
	}
	return "0x" + strings.ToLower(key[2:]), nil
}

// ValidateAddress checks that addr is a 0x-prefixed 40-hex-digit address.
// The field name is included in the error so a misconfigured asset is
// distinguishable from a misconfigured spender.
func ValidateAddress(field, addr string) error {
	if !addressPattern.MatchString(addr) {
		return NewPaymentError(ErrCodeInvalidAddress,
			fmt.Sprintf("%s must be a 0x-prefixed 40-hex-digit address, got %q", field, addr), nil)
	}
	return nil
}

// ParsePositiveAmount parses a base-unit amount that must be a positive
// decimal integer. Used for the permit cap and priced rejections.
func ParsePositiveAmount(field, value string) (*big.Int, error) {
	if !numericPattern.MatchString(value) {
		return nil, NewPaymentError(ErrCodeInvalidConfig,
			fmt.Sprintf("%s must be a positive integer string, got %q", field, value), nil)
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, NewPaymentError(ErrCodeInvalidConfig,
			fmt.Sprintf("%s must be greater than zero, got %q", field, value), nil)
	}
	return amount, nil
}
