package carrier

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOTP means the carrier rejected the submitted verification code.
	ErrInvalidOTP = errors.New("carrier: verification code rejected")
	// ErrOTPTimeout means no verification SMS arrived inside the wait window.
	ErrOTPTimeout = errors.New("carrier: timed out waiting for verification code")
	// ErrFingerprintRejected means the stored device fingerprint is no longer
	// accepted and must be discarded before retrying.
	ErrFingerprintRejected = errors.New("carrier: device fingerprint rejected")
	// ErrUnauthorized means the carrier refused the bearer token. Callers
	// should refresh the session and retry once.
	ErrUnauthorized = errors.New("carrier: token not accepted")
	// ErrOrderCooldown means a recharge to the same destination happened too
	// recently.
	ErrOrderCooldown = errors.New("carrier: destination in cooldown")
	// ErrOrderDuplicate maps the carrier's duplicate-order rejection.
	ErrOrderDuplicate = errors.New("carrier: duplicate order for destination")
)

// StatusError reports an unexpected HTTP status from a carrier endpoint. The
// body is truncated before it is stored so errors stay loggable.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Temporary reports whether the failure is likely transient and worth a
// scheduled retry.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
