package x402

import "time"

// PaymentEventType distinguishes the observation points of a payment attempt.
type PaymentEventType string

const (
	// PaymentEventAttempt fires after a payment-required rejection, before the retry.
	PaymentEventAttempt PaymentEventType = "attempt"
	// PaymentEventSuccess fires when the retried request is accepted.
	PaymentEventSuccess PaymentEventType = "success"
	// PaymentEventFailure fires when the retry fails or cannot be attempted.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent carries the context of a payment attempt to hook callbacks.
type PaymentEvent struct {
	Type PaymentEventType

	// AttemptID correlates the attempt/success/failure events of one retry.
	AttemptID string

	Timestamp time.Time
	URL       string
	Network   string
	PermitKey string

	// Status is the final HTTP status, when a response was received.
	Status int

	// Err is set on failure events caused by an error rather than a rejection.
	Err error

	Duration time.Duration
}

// PaymentHooks are optional observation callbacks. Hooks must not block;
// they run inline on the request path.
type PaymentHooks struct {
	OnPaymentAttempt func(PaymentEvent)
	OnPaymentSuccess func(PaymentEvent)
	OnPaymentFailure func(PaymentEvent)
}
