package payments

import (
	"context"
	"errors"
	"net/http"
)

// Status is the provider-neutral state of a payment intent.
type Status string

const (
	StatusSucceeded             Status = "succeeded"
	StatusRequiresPaymentMethod Status = "requires_payment_method"
	StatusRequiresAction        Status = "requires_action"
	StatusProcessing            Status = "processing"
	StatusCanceled              Status = "canceled"
	StatusExpired               Status = "expired"
	StatusPending               Status = "pending"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrIgnoredEvent     = errors.New("event type not handled")
)

// Intent is a provider payment intent as seen by checkout.
type Intent struct {
	ID           string
	ClientSecret string
	RedirectURL  string
	Status       Status
	LastError    string
}

// Event is a verified webhook notification.
type Event struct {
	ID        string
	Type      string
	IntentID  string
	OrderID   string
	Status    Status
	LastError string
}

type Provider interface {
	Name() string
	CreateIntent(ctx context.Context, orderID string, amount int64, currency string, metadata map[string]string) (Intent, error)
	GetIntent(ctx context.Context, intentID string) (Intent, error)
	CancelIntent(ctx context.Context, intentID string) error
	ParseWebhook(payload []byte, header http.Header) (Event, error)
}
