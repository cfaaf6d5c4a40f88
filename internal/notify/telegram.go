package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender is the subset of *tgbotapi.BotAPI used here.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// RetryAfterError asks the caller to wait before the next attempt.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

type TelegramChannel struct {
	bot TelegramSender
}

func NewTelegramChannel(bot TelegramSender) *TelegramChannel {
	return &TelegramChannel{bot: bot}
}

// NewTelegramBot connects to the Bot API with the given token.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return bot, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Send(ctx context.Context, to Recipient, msg Message) error {
	if to.ChatID == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + msg.Body
	}
	_, err := c.bot.Send(tgbotapi.NewMessage(to.ChatID, text))
	return classifyTelegram(err)
}

// SendDocument uploads a file to a chat, used for report delivery.
func (c *TelegramChannel) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = caption
	_, err := c.bot.Send(doc)
	return classifyTelegram(err)
}

// classifyTelegram maps Bot API failures: 429 becomes RetryAfterError, a
// blocked chat or bad request is permanent.
func classifyTelegram(err error) error {
	if err == nil {
		return nil
	}
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return err
	}
	switch tgErr.Code {
	case http.StatusTooManyRequests:
		return &RetryAfterError{After: time.Duration(tgErr.RetryAfter) * time.Second, Err: err}
	case http.StatusForbidden, http.StatusBadRequest:
		return fmt.Errorf("%w: telegram %d: %s", ErrPermanent, tgErr.Code, tgErr.Message)
	}
	return err
}

// AdminReports delivers report files to every admin chat.
type AdminReports struct {
	ch      *TelegramChannel
	chatIDs []int64
}

func NewAdminReports(ch *TelegramChannel, chatIDs []int64) *AdminReports {
	return &AdminReports{ch: ch, chatIDs: chatIDs}
}

func (a *AdminReports) SendReport(ctx context.Context, filename string, data []byte, caption string) error {
	var errs []error
	for _, id := range a.chatIDs {
		if err := a.ch.SendDocument(ctx, id, filename, data, caption); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
