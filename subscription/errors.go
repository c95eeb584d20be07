package subscription

import (
	"errors"
	"fmt"

	"github.com/bookwell/billing-engine/models"
)

// Error taxonomy surfaced to the transport layer. Request-path failures are
// raised at detection and returned unchanged; nothing is retried in-request.
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid subscription transition")
	ErrLimitExceeded     = errors.New("plan limits exceeded")
	ErrPaymentRequired   = errors.New("payment method required")
	ErrPaymentFailed     = errors.New("payment failed")
	ErrValidation        = errors.New("validation failed")
)

// transitionError builds an ErrInvalidTransition naming the current state and
// the attempted operation.
func transitionError(status models.SubscriptionStatus, operation string) error {
	return fmt.Errorf("%w: cannot %s a %s subscription", ErrInvalidTransition, operation, status)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundError(kind string, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}
