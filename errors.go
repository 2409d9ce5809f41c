package x402

import "fmt"

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrCodeInvalidConfig      = "invalid_config"
	ErrCodeInvalidPrivateKey  = "invalid_private_key"
	ErrCodeInvalidAddress     = "invalid_address"
	ErrCodeUnsupportedNetwork = "unsupported_network"
	ErrCodeNonceReadFailed    = "nonce_read_failed"
	ErrCodeSigningFailed      = "signing_failed"
	ErrCodeRetryExhausted     = "payment_retry_exhausted"
)

// NewPaymentError creates a new payment error wrapping an optional cause
func NewPaymentError(code, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
