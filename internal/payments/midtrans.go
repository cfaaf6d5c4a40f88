package payments

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
)

// MidtransProvider uses Snap for checkout. Midtrans keys transactions by
// our order id, so the intent id equals the order id.
type MidtransProvider struct {
	serverKey string
	snap      snap.Client
	core      coreapi.Client
}

func NewMidtrans(serverKey string, production bool) *MidtransProvider {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}
	p := &MidtransProvider{serverKey: serverKey}
	p.snap.New(serverKey, env)
	p.core.New(serverKey, env)
	return p
}

func (p *MidtransProvider) Name() string { return "midtrans" }

func (p *MidtransProvider) CreateIntent(_ context.Context, orderID string, amount int64, _ string, metadata map[string]string) (Intent, error) {
	req := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  orderID,
			GrossAmt: amount,
		},
		CreditCard: &snap.CreditCardDetails{Secure: true},
	}
	if email := metadata["email"]; email != "" {
		req.CustomerDetail = &midtrans.CustomerDetails{FName: metadata["name"], Email: email}
	}

	resp, merr := p.snap.CreateTransaction(req)
	if merr != nil {
		return Intent{}, fmt.Errorf("midtrans create transaction: %w", merr)
	}
	return Intent{ID: orderID, ClientSecret: resp.Token, RedirectURL: resp.RedirectURL, Status: StatusPending}, nil
}

func (p *MidtransProvider) GetIntent(_ context.Context, intentID string) (Intent, error) {
	resp, merr := p.core.CheckTransaction(intentID)
	if merr != nil {
		return Intent{}, fmt.Errorf("midtrans check transaction: %w", merr)
	}
	in := Intent{ID: intentID, Status: midtransStatus(resp.TransactionStatus, resp.FraudStatus)}
	if in.Status == StatusRequiresPaymentMethod {
		in.LastError = resp.StatusMessage
	}
	return in, nil
}

func (p *MidtransProvider) CancelIntent(_ context.Context, intentID string) error {
	if _, merr := p.core.CancelTransaction(intentID); merr != nil {
		return fmt.Errorf("midtrans cancel transaction: %w", merr)
	}
	return nil
}

type midtransNotification struct {
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	StatusMessage     string `json:"status_message"`
}

// ParseWebhook verifies signature_key = sha512(order_id + status_code +
// gross_amount + server_key).
func (p *MidtransProvider) ParseWebhook(payload []byte, _ http.Header) (Event, error) {
	var n midtransNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}
	expected := Signature(n.OrderID, n.StatusCode, n.GrossAmount, p.serverKey)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(n.SignatureKey)) != 1 {
		return Event{}, ErrInvalidSignature
	}

	ev := Event{
		ID:       n.TransactionID + ":" + n.TransactionStatus,
		Type:     n.TransactionStatus,
		IntentID: n.OrderID,
		OrderID:  n.OrderID,
		Status:   midtransStatus(n.TransactionStatus, n.FraudStatus),
	}
	if ev.Status == StatusRequiresPaymentMethod {
		ev.LastError = n.StatusMessage
	}
	return ev, nil
}

// Signature computes a Midtrans notification signature.
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

func midtransStatus(transaction, fraud string) Status {
	switch transaction {
	case "capture":
		if fraud == "challenge" {
			return StatusProcessing
		}
		return StatusSucceeded
	case "settlement":
		return StatusSucceeded
	case "pending":
		return StatusPending
	case "deny", "failure":
		return StatusRequiresPaymentMethod
	case "cancel":
		return StatusCanceled
	case "expire":
		return StatusExpired
	default:
		return StatusPending
	}
}
