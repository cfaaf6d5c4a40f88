// Package notify delivers plain-text customer and admin messages over email
// and Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ptp/internal/model"
)

// ErrPermanent marks a delivery that must not be retried, such as a chat
// that blocked the bot.
var ErrPermanent = errors.New("permanent delivery failure")

// Recipient is where a message goes. A channel skips recipients it has no
// address for.
type Recipient struct {
	Name   string
	Email  string
	ChatID int64
}

type Message struct {
	Subject string
	Body    string
}

// Channel is one delivery transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, to Recipient, msg Message) error
}

func customerRecipient(c *model.Customer) Recipient {
	if c == nil {
		return Recipient{}
	}
	return Recipient{Name: c.Name, Email: c.Email, ChatID: c.TelegramChatID}
}

func formatMoney(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, strings.ToUpper(currency))
}

func orderPaidMessage(order *model.Order, bookings []model.Booking) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Thanks for your order %s.\n\n", shortID(order.ID))
	for _, it := range order.Items {
		switch it.Kind {
		case model.ItemKindCamp:
			fmt.Fprintf(&b, "Camp registration: %s\n", orDash(it.CamperName))
		case model.ItemKindTraining:
			fmt.Fprintf(&b, "Training: %s %s-%s %s\n", it.SessionDate, it.StartTime, it.EndTime, orDash(it.CamperName))
		}
	}
	if len(bookings) > 0 {
		fmt.Fprintf(&b, "\n%d session(s) confirmed.\n", len(bookings))
	}
	if order.DiscountTotal > 0 {
		fmt.Fprintf(&b, "Discounts: -%s\n", formatMoney(order.DiscountTotal, order.Currency))
	}
	fmt.Fprintf(&b, "Total paid: %s\n", formatMoney(order.Total, order.Currency))
	return Message{Subject: "Your order is confirmed", Body: b.String()}
}

func referralMessage(code *model.ReferralCode, currency string) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Share your referral code %s with friends.\n", code.Code)
	fmt.Fprintf(&b, "They get %s off their camp registration.\n", formatMoney(code.DiscountAmount, currency))
	if code.ExpiresAt != nil {
		fmt.Fprintf(&b, "Valid until %s.\n", code.ExpiresAt.Format(model.DateLayout))
	}
	return Message{Subject: "Your referral code", Body: b.String()}
}

func reminderMessage(b *model.Booking, trainer *model.Trainer) Message {
	coach := "your coach"
	if trainer != nil && trainer.Name != "" {
		coach = trainer.Name
	}
	body := fmt.Sprintf("Reminder: %s has a session with %s on %s at %s.\n",
		orDefault(b.PlayerName, "your player"), coach, b.SessionDate, b.StartTime)
	return Message{Subject: "Upcoming training session", Body: body}
}

func adminPaidMessage(order *model.Order, customer *model.Customer) Message {
	name := ""
	if customer != nil {
		name = customer.Name
	}
	return Message{
		Subject: "Order paid",
		Body: fmt.Sprintf("Order %s paid by %s: %s, %d item(s).",
			shortID(order.ID), orDash(name), formatMoney(order.Total, order.Currency), len(order.Items)),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string { return orDefault(s, "-") }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
