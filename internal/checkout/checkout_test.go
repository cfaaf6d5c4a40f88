package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ptp/internal/database"
	"ptp/internal/holds"
	"ptp/internal/model"
	"ptp/internal/payments"
	"ptp/internal/pricing"
	"ptp/internal/slots"
)

type fakeProvider struct {
	mu        sync.Mutex
	seq       int
	intents   map[string]payments.Intent
	created   int
	canceled  []string
	createErr error
	getErr    error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{intents: make(map[string]payments.Intent)}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CreateIntent(_ context.Context, orderID string, amount int64, currency string, _ map[string]string) (payments.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return payments.Intent{}, p.createErr
	}
	p.seq++
	p.created++
	in := payments.Intent{
		ID:           fmt.Sprintf("pi_%d", p.seq),
		ClientSecret: fmt.Sprintf("pi_%d_secret", p.seq),
		Status:       payments.StatusRequiresPaymentMethod,
	}
	p.intents[in.ID] = in
	return in, nil
}

func (p *fakeProvider) GetIntent(_ context.Context, id string) (payments.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return payments.Intent{}, p.getErr
	}
	in, ok := p.intents[id]
	if !ok {
		return payments.Intent{}, errors.New("no such intent")
	}
	return in, nil
}

func (p *fakeProvider) CancelIntent(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, id)
	return nil
}

func (p *fakeProvider) ParseWebhook(_ []byte, _ http.Header) (payments.Event, error) {
	return payments.Event{}, payments.ErrIgnoredEvent
}

func (p *fakeProvider) set(id string, status payments.Status, lastErr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in := p.intents[id]
	in.Status = status
	in.LastError = lastErr
	p.intents[id] = in
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) OrderPaid(ctx context.Context, c *model.Customer, o *model.Order, b []model.Booking) error {
	return m.Called(ctx, c, o, b).Error(0)
}

func (m *mockNotifier) ReferralIssued(ctx context.Context, c *model.Customer, o *model.Order, code *model.ReferralCode) error {
	return m.Called(ctx, c, o, code).Error(0)
}

func (m *mockNotifier) expectAll() {
	m.On("OrderPaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	m.On("ReferralIssued", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
}

// flakyStore fails FinalizePaidOrder while fail is set.
type flakyStore struct {
	*database.DB
	fail atomic.Bool
}

func (f *flakyStore) FinalizePaidOrder(ctx context.Context, id string, at time.Time) (database.FinalizeResult, error) {
	if f.fail.Load() {
		return database.FinalizeResult{}, errors.New("database is locked")
	}
	return f.DB.FinalizePaidOrder(ctx, id, at)
}

type env struct {
	svc      *Service
	db       *database.DB
	store    *flakyStore
	provider *fakeProvider
	notifier *mockNotifier
	holds    *holds.Holds
	trainer  *model.Trainer
	customer *model.Customer
	camp     *model.Camp
	date     string
	clock    atomic.Int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "checkout.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	e := &env{db: db, store: &flakyStore{DB: db}, provider: newFakeProvider(), notifier: &mockNotifier{}}
	e.clock.Store(time.Now().UnixNano())

	e.trainer = addTrainer(t, db, "Coach Kim", 8000)
	e.customer = &model.Customer{Name: "Pat Parent", Email: "pat@example.com"}
	require.NoError(t, db.CreateCustomer(ctx, e.customer))
	e.camp = &model.Camp{Name: "Summer Week 1", WeekStart: "2026-06-01", Price: 10000, Capacity: 2, IsActive: true}
	require.NoError(t, db.CreateCamp(ctx, e.camp))
	e.date = time.Now().UTC().AddDate(0, 0, 7).Format(model.DateLayout)

	gen := slots.NewGenerator(db, slots.Rules{}, time.UTC)
	e.holds = holds.New(holds.NewMemoryStore(), 10*time.Minute)
	gen.UseHolds(e.holds)

	logger := zerolog.Nop()
	e.svc = NewService(e.store, e.provider, gen, e.notifier, pricing.DefaultSettings(), Options{}, &logger)
	e.svc.UseHolds(e.holds)
	e.svc.UseClock(func() time.Time { return time.Unix(0, e.clock.Load()) })
	return e
}

func addTrainer(t *testing.T, db *database.DB, name string, rate int64) *model.Trainer {
	t.Helper()
	ctx := context.Background()
	tr := &model.Trainer{Name: name, Email: "coach@example.com", HourlyRate: rate, IsActive: true}
	require.NoError(t, db.CreateTrainer(ctx, tr))
	var week []model.WeeklyAvailability
	for d := 0; d < 7; d++ {
		week = append(week, model.WeeklyAvailability{DayOfWeek: d, StartTime: "09:00", EndTime: "17:00", SlotDuration: 60, IsActive: true})
	}
	require.NoError(t, db.ReplaceWeeklySchedule(ctx, tr.ID, week))
	return tr
}

func (e *env) advance(d time.Duration) {
	e.clock.Add(int64(d))
}

func (e *env) training(start string) OrderRequest {
	return OrderRequest{
		CustomerID: e.customer.ID,
		SessionID:  "sess-1",
		Items: []ItemRequest{{
			Kind: model.ItemKindTraining, CamperKey: "sam", CamperName: "Sam",
			TrainerID: e.trainer.ID, Date: e.date, StartTime: start, Duration: 60,
		}},
	}
}

func (e *env) campOrder() OrderRequest {
	return OrderRequest{
		CustomerID: e.customer.ID,
		Items: []ItemRequest{{
			Kind: model.ItemKindCamp, CamperKey: "sam", CamperName: "Sam", CampID: e.camp.ID,
		}},
	}
}

func TestFSMTransitions(t *testing.T) {
	fsm := NewFSM()

	tests := []struct {
		name        string
		from, to    model.OrderStatus
		shouldAllow bool
	}{
		{"cart to intent", model.OrderStatusCart, model.OrderStatusIntentCreated, true},
		{"intent to awaiting", model.OrderStatusIntentCreated, model.OrderStatusAwaitingConfirmation, true},
		{"awaiting to paid", model.OrderStatusAwaitingConfirmation, model.OrderStatusPaid, true},
		{"awaiting to expired", model.OrderStatusAwaitingConfirmation, model.OrderStatusExpired, true},
		{"intent to failed", model.OrderStatusIntentCreated, model.OrderStatusFailed, true},
		{"paid to expired", model.OrderStatusPaid, model.OrderStatusExpired, false},
		{"paid to failed", model.OrderStatusPaid, model.OrderStatusFailed, false},
		{"expired to paid", model.OrderStatusExpired, model.OrderStatusPaid, false},
		{"cart to expired", model.OrderStatusCart, model.OrderStatusExpired, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.shouldAllow, fsm.CanTransition(tt.from, tt.to))
		})
	}

	assert.ElementsMatch(t,
		[]model.OrderStatus{model.OrderStatusIntentCreated, model.OrderStatusAwaitingConfirmation},
		fsm.Sources(model.OrderStatusExpired))
}

func TestPlaceOrderTraining(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	order, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusIntentCreated, order.Status)
	assert.Equal(t, int64(8000), order.Subtotal)
	assert.Equal(t, int64(8270), order.Total) // 3% + 30 fee
	assert.Equal(t, "pi_1", order.PaymentIntentID)
	assert.Equal(t, "pi_1_secret", order.ClientSecret)
	require.Len(t, order.Items, 1)
	require.NotNil(t, order.Items[0].BookingID)

	bookings, err := e.db.BookingsByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	assert.Equal(t, model.BookingStatusPending, bookings[0].Status)
	assert.Equal(t, "11:00", bookings[0].EndTime)
	assert.Equal(t, int64(6000), bookings[0].TrainerPayout)
	assert.Equal(t, int64(2000), bookings[0].PlatformFee)
}

func TestPlaceOrderSlotTaken(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
	require.NoError(t, err)

	req := e.training("10:00")
	req.SessionID = "sess-2"
	_, err = e.svc.PlaceOrder(ctx, req)
	require.ErrorIs(t, err, ErrSlotTaken)
	assert.True(t, IsRetryable(err))

	var perr *PaymentError
	assert.False(t, errors.As(err, &perr), "slot conflicts are not payment errors")
	assert.Equal(t, 1, e.provider.created, "no intent for the losing request")
}

func TestPlaceOrderConcurrentSameSlot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	const n = 5
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		taken   atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := e.training("14:00")
			req.SessionID = fmt.Sprintf("sess-%d", i)
			_, err := e.svc.PlaceOrder(ctx, req)
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, ErrSlotTaken):
				taken.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
	assert.Equal(t, int32(n-1), taken.Load())
}

func TestPlaceOrderRespectsHolds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.holds.Hold(ctx, e.trainer.ID, e.date, "10:00", "other"))

	_, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
	require.ErrorIs(t, err, ErrSlotTaken)

	req := e.training("10:00")
	req.SessionID = "other"
	_, err = e.svc.PlaceOrder(ctx, req)
	require.NoError(t, err)

	held, err := e.holds.IsHeld(ctx, e.trainer.ID, e.date, "10:00")
	require.NoError(t, err)
	assert.False(t, held, "hold is released once the booking exists")
}

func TestPlaceOrderValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   OrderRequest
		field string
	}{
		{"no items", OrderRequest{CustomerID: e.customer.ID}, "items"},
		{"unknown customer", OrderRequest{CustomerID: 999}, "customer_id"},
		{
			"unknown trainer",
			OrderRequest{CustomerID: e.customer.ID, Items: []ItemRequest{{Kind: model.ItemKindTraining, TrainerID: 999, Date: e.date, StartTime: "10:00"}}},
			"items[0].trainer_id",
		},
		{
			"bad date",
			OrderRequest{CustomerID: e.customer.ID, Items: []ItemRequest{{Kind: model.ItemKindTraining, TrainerID: e.trainer.ID, Date: "tomorrow", StartTime: "10:00"}}},
			"items[0].date",
		},
		{
			"unknown kind",
			OrderRequest{CustomerID: e.customer.ID, Items: []ItemRequest{{Kind: "merch"}}},
			"items[0].kind",
		},
		{
			"unknown add-on",
			OrderRequest{CustomerID: e.customer.ID, Items: []ItemRequest{{Kind: model.ItemKindCamp, CampID: e.camp.ID, AddOns: []string{"pony"}}}},
			"items",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.PlaceOrder(ctx, tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestPlaceOrderCampFull(t *testing.T) {
	e := newEnv(t)
	req := e.campOrder()
	for _, key := range []string{"ann", "ben"} {
		req.Items = append(req.Items, ItemRequest{Kind: model.ItemKindCamp, CamperKey: key, CampID: e.camp.ID})
	}
	_, err := e.svc.PlaceOrder(context.Background(), req)
	require.ErrorIs(t, err, ErrCampFull)
}

func TestPlaceOrderIntentFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.provider.createErr = errors.New("stripe unavailable")

	_, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PaymentProvider, perr.Kind)
	assert.False(t, IsRetryable(err))

	// The slot is free again.
	e.provider.createErr = nil
	_, err = e.svc.PlaceOrder(ctx, e.training("10:00"))
	require.NoError(t, err)
}

func TestZeroTotalOrderSkipsPayment(t *testing.T) {
	e := newEnv(t)
	e.notifier.expectAll()
	free := addTrainer(t, e.db, "Volunteer", 0)

	req := e.training("10:00")
	req.Items[0].TrainerID = free.ID
	order, err := e.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, order.Status)
	assert.Equal(t, int64(0), order.Total)
	assert.Equal(t, 0, e.provider.created)
	e.notifier.AssertNumberOfCalls(t, "OrderPaid", 1)
}

func TestDoubleSuccessSignalRunsSideEffectsOnce(t *testing.T) {
	e := newEnv(t)
	e.notifier.expectAll()
	ctx := context.Background()

	order, err := e.svc.PlaceOrder(ctx, e.campOrder())
	require.NoError(t, err)
	e.provider.set(order.PaymentIntentID, payments.StatusSucceeded, "")

	paid, err := e.svc.Confirm(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, paid.Status)

	ev := payments.Event{ID: "evt_1", Type: "payment_intent.succeeded", IntentID: order.PaymentIntentID, Status: payments.StatusSucceeded}
	require.NoError(t, e.svc.HandleWebhook(ctx, ev))
	require.NoError(t, e.svc.HandleWebhook(ctx, ev))
	again, err := e.svc.Confirm(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, again.Status)

	e.notifier.AssertNumberOfCalls(t, "OrderPaid", 1)
	e.notifier.AssertNumberOfCalls(t, "ReferralIssued", 1)

	codes, err := e.db.ReferralCodesByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Len(t, codes[0].Code, 8)
	assert.Equal(t, int64(2500), codes[0].DiscountAmount)

	camp, err := e.db.GetCamp(ctx, e.camp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, camp.SeatsTaken)

	// The issued code discounts the next order.
	req := e.campOrder()
	req.ReferralCode = codes[0].Code
	next, err := e.svc.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), next.ReferralDiscount)
	assert.Equal(t, codes[0].Code, next.ReferralCode)
}

func TestConcurrentConfirmAndWebhook(t *testing.T) {
	e := newEnv(t)
	e.notifier.expectAll()
	ctx := context.Background()

	order, err := e.svc.PlaceOrder(ctx, e.training("11:00"))
	require.NoError(t, err)
	e.provider.set(order.PaymentIntentID, payments.StatusSucceeded, "")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = e.svc.Confirm(ctx, order.ID)
		}()
		go func() {
			defer wg.Done()
			_ = e.svc.HandleWebhook(ctx, payments.Event{IntentID: order.PaymentIntentID, Status: payments.StatusSucceeded})
		}()
	}
	wg.Wait()

	got, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, got.Status)
	e.notifier.AssertNumberOfCalls(t, "OrderPaid", 1)
}

func TestConfirmPaymentErrors(t *testing.T) {
	tests := []struct {
		name   string
		status payments.Status
		kind   PaymentKind
		want   model.OrderStatus
	}{
		{"declined", payments.StatusRequiresPaymentMethod, PaymentDeclined, model.OrderStatusAwaitingConfirmation},
		{"requires action", payments.StatusRequiresAction, PaymentRequiresAction, model.OrderStatusAwaitingConfirmation},
		{"processing", payments.StatusProcessing, PaymentProcessing, model.OrderStatusAwaitingConfirmation},
		{"canceled", payments.StatusCanceled, PaymentCanceled, model.OrderStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()

			order, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
			require.NoError(t, err)
			e.provider.set(order.PaymentIntentID, tt.status, "card_declined")

			_, err = e.svc.Confirm(ctx, order.ID)
			var perr *PaymentError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.kind, perr.Kind)
			assert.False(t, IsRetryable(err))

			got, err := e.svc.GetOrder(ctx, order.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestDeclinedThenSucceeded(t *testing.T) {
	e := newEnv(t)
	e.notifier.expectAll()
	ctx := context.Background()

	order, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
	require.NoError(t, err)
	e.provider.set(order.PaymentIntentID, payments.StatusRequiresPaymentMethod, "Your card was declined.")

	_, err = e.svc.Confirm(ctx, order.ID)
	require.Error(t, err)
	got, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "Your card was declined.", got.LastPaymentError)

	e.provider.set(order.PaymentIntentID, payments.StatusSucceeded, "")
	paid, err := e.svc.Confirm(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, paid.Status)
	assert.Empty(t, paid.LastPaymentError)
}

func TestExpireStale(t *testing.T) {
	e := newEnv(t)
	e.notifier.expectAll()
	ctx := context.Background()

	unpaid, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
	require.NoError(t, err)
	late, err := e.svc.PlaceOrder(ctx, e.training("12:00"))
	require.NoError(t, err)
	paid, err := e.svc.PlaceOrder(ctx, e.training("15:00"))
	require.NoError(t, err)

	e.provider.set(paid.PaymentIntentID, payments.StatusSucceeded, "")
	_, err = e.svc.Confirm(ctx, paid.ID)
	require.NoError(t, err)

	// Succeeded at the provider but no signal reached us yet.
	e.provider.set(late.PaymentIntentID, payments.StatusSucceeded, "")

	e.advance(time.Hour)
	n, err := e.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	check := func(id string, want model.OrderStatus) {
		got, err := e.svc.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}
	check(unpaid.ID, model.OrderStatusExpired)
	check(late.ID, model.OrderStatusPaid)
	check(paid.ID, model.OrderStatusPaid)
	assert.Equal(t, []string{unpaid.PaymentIntentID}, e.provider.canceled)

	// The expired order's slot is bookable again.
	req := e.training("10:00")
	req.SessionID = "sess-2"
	_, err = e.svc.PlaceOrder(ctx, req)
	require.NoError(t, err)
}

func TestExpireSkipsWhenProviderUnreachable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	order, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
	require.NoError(t, err)

	e.provider.getErr = errors.New("timeout")
	e.advance(time.Hour)
	n, err := e.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusIntentCreated, got.Status)
}

func TestPaymentAfterExpiryIsReconciled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	order, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
	require.NoError(t, err)
	e.advance(time.Hour)
	_, err = e.svc.ExpireStale(ctx)
	require.NoError(t, err)

	err = e.svc.HandleWebhook(ctx, payments.Event{IntentID: order.PaymentIntentID, Status: payments.StatusSucceeded})
	require.ErrorIs(t, err, ErrReconciliation)

	got, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusExpired, got.Status, "expired order is not reopened")

	items, err := e.svc.Reconciliation(ctx, model.ReconStatusOpen)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.ReconKindPaidAfterExpiry, items[0].Kind)

	// Needs a manual refund; the retry gives up instead of looping.
	_, err = e.svc.RetryReconciliation(ctx)
	require.NoError(t, err)
	items, err = e.svc.Reconciliation(ctx, model.ReconStatusGaveUp)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestFinalizeFailureIsReconciled(t *testing.T) {
	e := newEnv(t)
	e.notifier.expectAll()
	ctx := context.Background()

	order, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
	require.NoError(t, err)
	e.provider.set(order.PaymentIntentID, payments.StatusSucceeded, "")

	e.store.fail.Store(true)
	_, err = e.svc.Confirm(ctx, order.ID)
	require.ErrorIs(t, err, ErrReconciliation)

	items, err := e.svc.Reconciliation(ctx, model.ReconStatusOpen)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.ReconKindFinalize, items[0].Kind)
	assert.Equal(t, order.ID, items[0].OrderID)

	// Not due yet.
	n, err := e.svc.RetryReconciliation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	e.store.fail.Store(false)
	e.advance(time.Minute)
	n, err = e.svc.RetryReconciliation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, got.Status)
	e.notifier.AssertNumberOfCalls(t, "OrderPaid", 1)
}

func TestSideEffectFailureIsRetried(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.notifier.On("OrderPaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("smtp: connection refused")).Once()
	e.notifier.On("OrderPaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	order, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
	require.NoError(t, err)
	e.provider.set(order.PaymentIntentID, payments.StatusSucceeded, "")

	paid, err := e.svc.Confirm(ctx, order.ID)
	require.NoError(t, err, "a failed notification does not fail the payment")
	assert.Equal(t, model.OrderStatusPaid, paid.Status)

	items, err := e.svc.Reconciliation(ctx, model.ReconStatusOpen)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.ReconKindSideEffect+effectNotifyPaid, items[0].Kind)

	e.advance(time.Minute)
	n, err := e.svc.RetryReconciliation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e.notifier.AssertNumberOfCalls(t, "OrderPaid", 2)

	done, err := e.db.SideEffectDone(ctx, order.ID, effectNotifyPaid)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestReferralNoticeFailureIsRetried(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.notifier.On("OrderPaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	e.notifier.On("ReferralIssued", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("telegram: too many requests")).Once()
	e.notifier.On("ReferralIssued", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	order, err := e.svc.PlaceOrder(ctx, e.campOrder())
	require.NoError(t, err)
	e.provider.set(order.PaymentIntentID, payments.StatusSucceeded, "")
	_, err = e.svc.Confirm(ctx, order.ID)
	require.NoError(t, err)

	items, err := e.svc.Reconciliation(ctx, model.ReconStatusOpen)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.ReconKindSideEffect+effectReferralNote, items[0].Kind)

	e.advance(time.Minute)
	n, err := e.svc.RetryReconciliation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e.notifier.AssertNumberOfCalls(t, "ReferralIssued", 2)

	codes, err := e.db.ReferralCodesByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, codes, 1, "the retry reuses the issued code")
	last := e.notifier.Calls[len(e.notifier.Calls)-1]
	assert.Equal(t, codes[0].Code, last.Arguments.Get(3).(*model.ReferralCode).Code)

	done, err := e.db.SideEffectDone(ctx, order.ID, effectReferralNote)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRetryItemReopensGivenUp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	order, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
	require.NoError(t, err)
	e.advance(time.Hour)
	_, err = e.svc.ExpireStale(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, e.svc.HandleWebhook(ctx, payments.Event{OrderID: order.ID, Status: payments.StatusSucceeded}), ErrReconciliation)
	_, err = e.svc.RetryReconciliation(ctx)
	require.NoError(t, err)

	items, err := e.svc.Reconciliation(ctx, model.ReconStatusGaveUp)
	require.NoError(t, err)
	require.Len(t, items, 1)

	item, err := e.svc.RetryItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReconStatusGaveUp, item.Status)
	assert.Equal(t, 2, item.Attempts)

	_, err = e.svc.RetryItem(ctx, 9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBundleCheckout(t *testing.T) {
	e := newEnv(t)
	e.notifier.expectAll()
	ctx := context.Background()

	bundle, err := e.svc.CreateBundle(ctx, BundleRequest{
		SessionID: "sess-1", CustomerID: e.customer.ID,
		TrainerID: e.trainer.ID, Date: e.date, StartTime: "13:00", Duration: 90,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12000), bundle.Amount)

	quote, err := e.svc.BundleQuote(ctx, bundle.ID, pricing.Cart{Items: []pricing.LineItem{
		{Kind: model.ItemKindCamp, CamperKey: "sam", BasePrice: e.camp.Price},
	}}, "")
	require.NoError(t, err)
	assert.True(t, quote.BundleApplied)

	req := e.campOrder()
	req.SessionID = "sess-1"
	req.BundleID = bundle.ID
	order, err := e.svc.PlaceOrder(ctx, req)
	require.NoError(t, err)
	require.Len(t, order.Items, 2)
	assert.Equal(t, quote.Total, order.Total)
	assert.Equal(t, int64(3300), order.BundleDiscount) // 15% of 22000
	assert.Equal(t, "14:30", order.Items[1].EndTime)

	e.provider.set(order.PaymentIntentID, payments.StatusSucceeded, "")
	_, err = e.svc.Confirm(ctx, order.ID)
	require.NoError(t, err)

	got, err := e.db.GetBundle(ctx, bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BundleStatusCompleted, got.Status)

	// A completed bundle cannot join another order.
	_, err = e.svc.PlaceOrder(ctx, req)
	require.ErrorIs(t, err, ErrBundleUnavailable)
}

func TestBundleQuoteMatchesChargedTotalWithReferral(t *testing.T) {
	e := newEnv(t)
	e.notifier.expectAll()
	ctx := context.Background()

	first, err := e.svc.PlaceOrder(ctx, e.campOrder())
	require.NoError(t, err)
	e.provider.set(first.PaymentIntentID, payments.StatusSucceeded, "")
	_, err = e.svc.Confirm(ctx, first.ID)
	require.NoError(t, err)
	codes, err := e.db.ReferralCodesByOrder(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, codes, 1)

	bundle, err := e.svc.CreateBundle(ctx, BundleRequest{
		SessionID: "sess-1", CustomerID: e.customer.ID,
		TrainerID: e.trainer.ID, Date: e.date, StartTime: "13:00", Duration: 60,
	})
	require.NoError(t, err)

	quote, err := e.svc.BundleQuote(ctx, bundle.ID, pricing.Cart{Items: []pricing.LineItem{
		{Kind: model.ItemKindCamp, CamperKey: "sam", BasePrice: e.camp.Price},
	}}, codes[0].Code)
	require.NoError(t, err)
	assert.True(t, quote.ReferralApplied)
	assert.True(t, quote.BundleApplied)

	req := e.campOrder()
	req.SessionID = "sess-1"
	req.BundleID = bundle.ID
	req.ReferralCode = codes[0].Code
	order, err := e.svc.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, quote.Total, order.Total)
	assert.Equal(t, quote.ReferralDiscount, order.ReferralDiscount)
	assert.Equal(t, int64(2500), order.ReferralDiscount)
}

func TestCancelBundle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	bundle, err := e.svc.CreateBundle(ctx, BundleRequest{
		SessionID: "sess-1", CustomerID: e.customer.ID,
		TrainerID: e.trainer.ID, Date: e.date, StartTime: "13:00",
	})
	require.NoError(t, err)

	require.NoError(t, e.svc.CancelBundle(ctx, bundle.ID))
	require.ErrorIs(t, e.svc.CancelBundle(ctx, bundle.ID), ErrBundleUnavailable)
	require.ErrorIs(t, e.svc.CancelBundle(ctx, "missing"), ErrNotFound)
}

func TestUpdateSettingsAffectsNewOrders(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s := pricing.DefaultSettings()
	s.FeePercent = 0
	s.FeeFixed = 0
	e.svc.UpdateSettings(s)

	order, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
	require.NoError(t, err)
	assert.Equal(t, int64(8000), order.Total)

	e.svc.UpdateSettings(nil)
	assert.Same(t, s, e.svc.Settings())
}

func TestWorkerSweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	order, err := e.svc.PlaceOrder(ctx, e.training("10:00"))
	require.NoError(t, err)
	e.advance(time.Hour)

	w := NewWorker(e.svc, time.Hour)
	w.Start()
	w.Start()
	w.Stop()
	w.Stop()

	got, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusExpired, got.Status)
}
