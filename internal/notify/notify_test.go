package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptp/internal/model"
)

type fakeChannel struct {
	name  string
	errs  []error
	calls int
	sent  []Message
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, _ Recipient, msg Message) error {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func newTestDispatcher(channels ...Channel) (*Dispatcher, *[]time.Duration) {
	logger := zerolog.Nop()
	d := NewDispatcher(DispatcherConfig{RatePerSecond: 1000, Burst: 100}, &logger, channels...)
	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}
	return d, &slept
}

func TestDispatcherRetry(t *testing.T) {
	transient := errors.New("connection reset")

	tests := []struct {
		name      string
		errs      []error
		wantErr   bool
		wantCalls int
		wantSlept []time.Duration
	}{
		{"first try", nil, false, 1, nil},
		{"recovers after two failures", []error{transient, transient}, false, 3, []time.Duration{time.Second, 5 * time.Second}},
		{"gives up after all delays", []error{transient, transient, transient, transient}, true, 4,
			[]time.Duration{time.Second, 5 * time.Second, 30 * time.Second}},
		{"permanent is not retried", []error{ErrPermanent}, true, 1, nil},
		{"retry after overrides delay", []error{&RetryAfterError{After: 7 * time.Second, Err: transient}}, false, 2,
			[]time.Duration{7 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &fakeChannel{name: "email", errs: tt.errs}
			d, slept := newTestDispatcher(ch)

			err := d.Send(context.Background(), Recipient{Email: "pat@example.com"}, Message{Subject: "hi"})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, ch.calls)
			assert.Equal(t, tt.wantSlept, *slept)
		})
	}
}

func TestDispatcherOneChannelIsEnough(t *testing.T) {
	email := &fakeChannel{name: "email", errs: []error{ErrPermanent}}
	tg := &fakeChannel{name: "telegram"}
	d, _ := newTestDispatcher(email, tg)

	require.NoError(t, d.Send(context.Background(), Recipient{Email: "a@b.c", ChatID: 1}, Message{Body: "x"}))
	assert.Len(t, tg.sent, 1)
}

func TestDispatcherOrderPaid(t *testing.T) {
	ch := &fakeChannel{name: "telegram"}
	d, _ := newTestDispatcher(ch)
	d.cfg.AdminChatIDs = []int64{42}

	order := &model.Order{
		ID: "0f8e3c1a-1111-2222-3333-444455556666", Currency: "usd", Total: 10330, DiscountTotal: 1000,
		Items: []model.OrderItem{
			{Kind: model.ItemKindCamp, CamperName: "Sam"},
			{Kind: model.ItemKindTraining, CamperName: "Sam", SessionDate: "2026-06-02", StartTime: "10:00", EndTime: "11:00"},
		},
	}
	err := d.OrderPaid(context.Background(), &model.Customer{Name: "Pat", TelegramChatID: 7}, order, []model.Booking{{ID: 1}})
	require.NoError(t, err)
	require.Len(t, ch.sent, 2)

	body := ch.sent[0].Body
	assert.Contains(t, body, "0f8e3c1a")
	assert.Contains(t, body, "Camp registration: Sam")
	assert.Contains(t, body, "Training: 2026-06-02 10:00-11:00 Sam")
	assert.Contains(t, body, "Total paid: 103.30 USD")
	assert.Contains(t, ch.sent[1].Body, "paid by Pat")
}

func TestEmailChannel(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	ch := NewEmailChannel(SMTPConfig{Host: "smtp.example.com", From: "camps@example.com"})
	ch.sendMail = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	require.NoError(t, ch.Send(context.Background(), Recipient{}, Message{}), "no address is a no-op")
	assert.Empty(t, gotAddr)

	err := ch.Send(context.Background(), Recipient{Name: "Pat", Email: "pat@example.com"},
		Message{Subject: "Your order is confirmed", Body: "line one\nline two"})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"pat@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Your order is confirmed\r\n")
	assert.Contains(t, gotMsg, `To: "Pat" <pat@example.com>`)
	assert.True(t, strings.HasSuffix(gotMsg, "line one\r\nline two"))

	err = ch.Send(context.Background(), Recipient{Name: "Pat\r\nBcc: evil@example.com", Email: "pat@example.com"},
		Message{Subject: "Hi\r\nBcc: evil@example.com", Body: "x"})
	require.NoError(t, err)
	headers := gotMsg[:strings.Index(gotMsg, "\r\n\r\n")]
	for _, line := range strings.Split(headers, "\r\n") {
		assert.False(t, strings.HasPrefix(line, "Bcc:"), "injected header line %q", line)
	}
	assert.Contains(t, headers, "Subject: Hi Bcc: evil@example.com")

	gotAddr = ""
	err = ch.Send(context.Background(), Recipient{Email: "pat@example.com\r\nBcc: evil@example.com"}, Message{})
	require.ErrorIs(t, err, ErrPermanent)
	assert.Empty(t, gotAddr)
}

type fakeBot struct {
	mu   sync.Mutex
	err  error
	sent []tgbotapi.Chattable
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c)
	return tgbotapi.Message{}, b.err
}

func TestTelegramChannel(t *testing.T) {
	ctx := context.Background()

	t.Run("sends text", func(t *testing.T) {
		bot := &fakeBot{}
		ch := NewTelegramChannel(bot)
		require.NoError(t, ch.Send(ctx, Recipient{ChatID: 99}, Message{Subject: "S", Body: "B"}))
		require.Len(t, bot.sent, 1)
		msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
		require.True(t, ok)
		assert.Equal(t, int64(99), msg.ChatID)
		assert.Equal(t, "S\n\nB", msg.Text)
	})

	t.Run("skips recipients without chat", func(t *testing.T) {
		bot := &fakeBot{}
		require.NoError(t, NewTelegramChannel(bot).Send(ctx, Recipient{Email: "x@y.z"}, Message{}))
		assert.Empty(t, bot.sent)
	})

	t.Run("rate limited", func(t *testing.T) {
		bot := &fakeBot{err: &tgbotapi.Error{Code: 429, Message: "Too Many Requests",
			ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 3}}}
		err := NewTelegramChannel(bot).Send(ctx, Recipient{ChatID: 1}, Message{})
		var ra *RetryAfterError
		require.ErrorAs(t, err, &ra)
		assert.Equal(t, 3*time.Second, ra.After)
	})

	t.Run("blocked is permanent", func(t *testing.T) {
		bot := &fakeBot{err: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}
		err := NewTelegramChannel(bot).Send(ctx, Recipient{ChatID: 1}, Message{})
		require.ErrorIs(t, err, ErrPermanent)
	})

	t.Run("document", func(t *testing.T) {
		bot := &fakeBot{}
		require.NoError(t, NewTelegramChannel(bot).SendDocument(ctx, 5, "report.xlsx", []byte("x"), "June"))
		doc, ok := bot.sent[0].(tgbotapi.DocumentConfig)
		require.True(t, ok)
		assert.Equal(t, "June", doc.Caption)
	})
}

type fakeReminderStore struct {
	bookings []model.Booking
	marked   []int64
}

func (s *fakeReminderStore) UpcomingUnreminded(_ context.Context, dates []string) ([]model.Booking, error) {
	set := make(map[string]bool)
	for _, d := range dates {
		set[d] = true
	}
	var out []model.Booking
	for _, b := range s.bookings {
		if set[b.SessionDate] && b.ReminderSentAt == nil {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *fakeReminderStore) MarkReminderSent(_ context.Context, id int64, at time.Time) error {
	s.marked = append(s.marked, id)
	for i := range s.bookings {
		if s.bookings[i].ID == id {
			s.bookings[i].ReminderSentAt = &at
		}
	}
	return nil
}

func (s *fakeReminderStore) GetCustomer(_ context.Context, id int64) (*model.Customer, error) {
	return &model.Customer{ID: id, Name: "Pat", Email: "pat@example.com"}, nil
}

func (s *fakeReminderStore) GetTrainer(_ context.Context, id int64) (*model.Trainer, error) {
	return &model.Trainer{ID: id, Name: "Coach Kim"}, nil
}

type fakeReminderSender struct {
	sent []int64
}

func (f *fakeReminderSender) BookingReminder(_ context.Context, _ *model.Customer, b *model.Booking, _ *model.Trainer) error {
	f.sent = append(f.sent, b.ID)
	return nil
}

func TestRemindersSendDue(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeReminderStore{bookings: []model.Booking{
		{ID: 1, SessionDate: "2026-06-01", StartTime: "15:00"}, // in window
		{ID: 2, SessionDate: "2026-06-02", StartTime: "11:00"}, // in window
		{ID: 3, SessionDate: "2026-06-02", StartTime: "13:00"}, // too far
		{ID: 4, SessionDate: "2026-06-01", StartTime: "09:00"}, // already started
	}}
	sender := &fakeReminderSender{}
	logger := zerolog.Nop()
	r := NewReminders(ReminderConfig{HoursBefore: 24}, store, sender, &logger)
	r.now = func() time.Time { return now }

	n, err := r.SendDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, sender.sent)
	assert.Equal(t, []int64{1, 2}, store.marked)

	// Marked bookings are not reminded twice.
	n, err = r.SendDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReminderMessage(t *testing.T) {
	msg := reminderMessage(&model.Booking{PlayerName: "Sam", SessionDate: "2026-06-02", StartTime: "11:00"},
		&model.Trainer{Name: "Coach Kim"})
	assert.Equal(t, "Reminder: Sam has a session with Coach Kim on 2026-06-02 at 11:00.\n", msg.Body)
}

func TestAdminReports(t *testing.T) {
	bot := &fakeBot{}
	reports := NewAdminReports(NewTelegramChannel(bot), []int64{1, 2})
	require.NoError(t, reports.SendReport(context.Background(), "payouts_2026_05.xlsx", []byte("x"), "May"))
	assert.Len(t, bot.sent, 2)

	bot.err = &tgbotapi.Error{Code: 403, Message: "blocked"}
	err := reports.SendReport(context.Background(), "payouts_2026_05.xlsx", []byte("x"), "May")
	require.ErrorIs(t, err, ErrPermanent)
}
