package checkout

import (
	"errors"
	"fmt"
)

var (
	// ErrSlotTaken means another order got the slot first. Pick another slot
	// and retry; no payment was attempted.
	ErrSlotTaken         = errors.New("slot taken")
	ErrCampFull          = errors.New("camp is full")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrBundleUnavailable = errors.New("bundle is no longer available")
	// ErrReconciliation means money moved but the order could not be
	// completed; a reconciliation item was recorded.
	ErrReconciliation = errors.New("payment received, order pending reconciliation")
)

type PaymentKind string

const (
	PaymentDeclined       PaymentKind = "declined"
	PaymentRequiresAction PaymentKind = "requires_action"
	PaymentProcessing     PaymentKind = "processing"
	PaymentCanceled       PaymentKind = "canceled"
	PaymentProvider       PaymentKind = "provider"
)

// PaymentError reports a payment that did not succeed. Kind tells the caller
// whether to ask for another method, wait, or finish a customer action.
type PaymentError struct {
	Kind    PaymentKind
	Message string
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payment %s: %s", e.Kind, e.Message)
	}
	return "payment " + string(e.Kind)
}

func (e *PaymentError) Unwrap() error { return e.Err }

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports errors where the same request may succeed after the
// customer picks again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSlotTaken)
}
