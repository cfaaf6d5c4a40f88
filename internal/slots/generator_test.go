package slots

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptp/internal/model"
)

// fakeSource implements ScheduleSource for testing.
type fakeSource struct {
	rules      map[int]*model.WeeklyAvailability
	exceptions map[string]*model.AvailabilityException
	opens      map[string][]model.OpenDate
	bookings   map[string][]model.Booking
	err        error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		rules:      make(map[int]*model.WeeklyAvailability),
		exceptions: make(map[string]*model.AvailabilityException),
		opens:      make(map[string][]model.OpenDate),
		bookings:   make(map[string][]model.Booking),
	}
}

func (f *fakeSource) WeeklyRule(_ context.Context, _ int64, day int) (*model.WeeklyAvailability, error) {
	return f.rules[day], f.err
}

func (f *fakeSource) Exception(_ context.Context, _ int64, date string) (*model.AvailabilityException, error) {
	return f.exceptions[date], nil
}

func (f *fakeSource) OpenDates(_ context.Context, _ int64, date string) ([]model.OpenDate, error) {
	return f.opens[date], nil
}

func (f *fakeSource) ActiveBookings(_ context.Context, _ int64, date string) ([]model.Booking, error) {
	return f.bookings[date], nil
}

type fakeHolds map[string]bool

func (h fakeHolds) IsHeld(_ context.Context, _ int64, date, start string) (bool, error) {
	return h[date+" "+start], nil
}

var (
	// Monday noon.
	testNow    = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	nextMonday = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	nextTue    = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
)

const nextMondayStr = "2026-03-09"

func testRules() Rules {
	return Rules{MinSlotMinutes: 15, DefaultSlotMinutes: 60, TodayBuffer: 30 * time.Minute, MaxAdvanceDays: 60}
}

func newTestGenerator(src *fakeSource) *Generator {
	g := NewGenerator(src, testRules(), time.UTC)
	g.UseClock(func() time.Time { return testNow })
	return g
}

func mondayRule(start, end string, step int) *model.WeeklyAvailability {
	return &model.WeeklyAvailability{DayOfWeek: 1, StartTime: start, EndTime: end, SlotDuration: step, IsActive: true}
}

func starts(slots []Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.StartTime.Format("15:04")
	}
	return out
}

func TestGenerate_SlotCountMatchesWindow(t *testing.T) {
	tests := []struct {
		name  string
		start string
		end   string
		step  int
		want  int
	}{
		{"hourly", "09:00", "17:00", 60, 8},
		{"half hour", "09:00", "17:00", 30, 16},
		{"uneven step floors", "09:00", "17:00", 45, 10},
		{"window shorter than step", "09:00", "09:30", 60, 0},
		{"below minimum snaps to default", "09:00", "12:00", 10, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			src.rules[1] = mondayRule(tt.start, tt.end, tt.step)

			slots, err := newTestGenerator(src).Generate(context.Background(), Query{TrainerID: 1, Date: nextMonday})
			require.NoError(t, err)
			assert.Len(t, slots, tt.want)
			for _, s := range slots {
				assert.True(t, s.Available)
			}
		})
	}
}

func TestGenerate_NoSlots(t *testing.T) {
	past := time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		setup func(*fakeSource)
		date  time.Time
	}{
		{"past date", func(s *fakeSource) { s.rules[1] = mondayRule("09:00", "17:00", 60) }, past},
		{"no rule", func(*fakeSource) {}, nextMonday},
		{"inactive rule", func(s *fakeSource) {
			r := mondayRule("09:00", "17:00", 60)
			r.IsActive = false
			s.rules[1] = r
		}, nextMonday},
		{"inverted window", func(s *fakeSource) { s.rules[1] = mondayRule("17:00", "09:00", 60) }, nextMonday},
		{"empty window", func(s *fakeSource) { s.rules[1] = mondayRule("09:00", "09:00", 60) }, nextMonday},
		{"blocked exception", func(s *fakeSource) {
			s.rules[1] = mondayRule("09:00", "17:00", 60)
			s.exceptions[nextMondayStr] = &model.AvailabilityException{Type: model.ExceptionBlocked}
		}, nextMonday},
		{"exception marked unavailable", func(s *fakeSource) {
			s.rules[1] = mondayRule("09:00", "17:00", 60)
			s.exceptions[nextMondayStr] = &model.AvailabilityException{Type: model.ExceptionModified, IsAvailable: false, StartTime: "10:00", EndTime: "12:00"}
		}, nextMonday},
		{"beyond max advance", func(s *fakeSource) { s.rules[1] = mondayRule("09:00", "17:00", 60) }, nextMonday.AddDate(0, 0, 63)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			tt.setup(src)

			slots, err := newTestGenerator(src).Generate(context.Background(), Query{TrainerID: 1, Date: tt.date})
			require.NoError(t, err)
			assert.Empty(t, slots)
		})
	}
}

func TestGenerate_BlockedExceptionBeatsOpenDate(t *testing.T) {
	src := newFakeSource()
	src.exceptions[nextMondayStr] = &model.AvailabilityException{Type: model.ExceptionBlocked}
	src.opens[nextMondayStr] = []model.OpenDate{{StartTime: "08:00", EndTime: "10:00"}}

	slots, err := newTestGenerator(src).Generate(context.Background(), Query{TrainerID: 1, Date: nextMonday})
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestGenerate_ExceptionOverridesWindow(t *testing.T) {
	src := newFakeSource()
	src.rules[1] = mondayRule("09:00", "17:00", 60)
	src.exceptions[nextMondayStr] = &model.AvailabilityException{
		Type: model.ExceptionModified, IsAvailable: true, StartTime: "12:00", EndTime: "14:00",
	}

	slots, err := newTestGenerator(src).Generate(context.Background(), Query{TrainerID: 1, Date: nextMonday})
	require.NoError(t, err)
	assert.Equal(t, []string{"12:00", "13:00"}, starts(slots))
}

func TestGenerate_ExtraDayAndOpenDates(t *testing.T) {
	src := newFakeSource()
	// Tuesday has no weekly rule.
	src.exceptions["2026-03-10"] = &model.AvailabilityException{
		Type: model.ExceptionExtra, IsAvailable: true, StartTime: "10:00", EndTime: "12:00",
	}
	src.opens["2026-03-10"] = []model.OpenDate{
		{StartTime: "11:00", EndTime: "13:00"},
		{StartTime: "18:00", EndTime: "19:00"},
	}

	slots, err := newTestGenerator(src).Generate(context.Background(), Query{TrainerID: 1, Date: nextTue})
	require.NoError(t, err)
	assert.Equal(t, []string{"10:00", "11:00", "12:00", "18:00"}, starts(slots))
}

func TestGenerate_BookingRemovesIntersectingSlots(t *testing.T) {
	src := newFakeSource()
	src.rules[1] = mondayRule("09:00", "12:00", 30)
	src.bookings[nextMondayStr] = []model.Booking{
		{StartTime: "10:00", EndTime: "11:00", Status: model.BookingStatusConfirmed},
		{StartTime: "09:00", EndTime: "09:30", Status: model.BookingStatusCancelled},
	}
	g := newTestGenerator(src)

	slots, err := g.Generate(context.Background(), Query{TrainerID: 1, Date: nextMonday})
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "09:30", "11:00", "11:30"}, starts(slots))

	// An hour-long lesson must not run into the booking either.
	slots, err = g.Generate(context.Background(), Query{TrainerID: 1, Date: nextMonday, Duration: 60})
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "11:00"}, starts(slots))
	assert.Equal(t, "10:00", slots[0].EndTime.Format("15:04"))

	slots, err = g.Generate(context.Background(), Query{TrainerID: 1, Date: nextMonday, IncludeUnavailable: true})
	require.NoError(t, err)
	require.Len(t, slots, 6)
	assert.False(t, slots[2].Available)
	assert.False(t, slots[3].Available)
	assert.True(t, slots[4].Available)
}

func TestGenerate_TodayBuffer(t *testing.T) {
	src := newFakeSource()
	src.rules[1] = mondayRule("09:00", "17:00", 60)
	today := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	g := newTestGenerator(src)
	slots, err := g.Generate(context.Background(), Query{TrainerID: 1, Date: today})
	require.NoError(t, err)
	// now is 12:00 and the buffer is 30 minutes.
	assert.Equal(t, []string{"13:00", "14:00", "15:00", "16:00"}, starts(slots))

	g.UseClock(func() time.Time { return time.Date(2026, 3, 2, 11, 15, 0, 0, time.UTC) })
	slots, err = g.Generate(context.Background(), Query{TrainerID: 1, Date: today})
	require.NoError(t, err)
	assert.Equal(t, "12:00", starts(slots)[0])
}

func TestGenerate_HeldSlotsAreUnavailable(t *testing.T) {
	src := newFakeSource()
	src.rules[1] = mondayRule("09:00", "11:00", 60)
	g := newTestGenerator(src)
	g.UseHolds(fakeHolds{nextMondayStr + " 10:00": true})

	slots, err := g.Generate(context.Background(), Query{TrainerID: 1, Date: nextMonday})
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.True(t, slots[0].Available)
	assert.False(t, slots[1].Available)

	ok, err := g.IsReservable(context.Background(), 1, nextMonday, "09:15", 60)
	require.NoError(t, err)
	assert.False(t, ok, "not on the slot grid")

	ok, err = g.IsReservable(context.Background(), 1, nextMonday, "10:00", 60)
	require.NoError(t, err)
	assert.True(t, ok, "holds are ignored")
}

func TestGenerate_SourceError(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("db down")

	_, err := newTestGenerator(src).Generate(context.Background(), Query{TrainerID: 1, Date: nextMonday})
	assert.Error(t, err)
}

func TestGenerate_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	src := newFakeSource()
	src.rules[1] = mondayRule("09:00", "12:00", 60)
	g := newTestGenerator(src)
	g.UseRedisCache(rdb, time.Minute)

	slots, err := g.Generate(ctx, Query{TrainerID: 1, Date: nextMonday})
	require.NoError(t, err)
	assert.Len(t, slots, 3)

	src.bookings[nextMondayStr] = []model.Booking{{StartTime: "09:00", EndTime: "10:00", Status: model.BookingStatusPending}}

	slots, err = g.Generate(ctx, Query{TrainerID: 1, Date: nextMonday})
	require.NoError(t, err)
	assert.Len(t, slots, 3, "served from cache")

	fresh, err := g.Generate(ctx, Query{TrainerID: 1, Date: nextMonday, NoCache: true})
	require.NoError(t, err)
	assert.Len(t, fresh, 2)

	g.Invalidate(ctx, 1, nextMondayStr)
	slots, err = g.Generate(ctx, Query{TrainerID: 1, Date: nextMonday})
	require.NoError(t, err)
	assert.Len(t, slots, 2)
}

func TestGenerate_TodayIsNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	src := newFakeSource()
	src.rules[1] = mondayRule("09:00", "17:00", 60)
	today := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	g := newTestGenerator(src)
	g.UseRedisCache(rdb, time.Hour)
	g.UseClock(func() time.Time { return time.Date(2026, 3, 2, 11, 15, 0, 0, time.UTC) })

	slots, err := g.Generate(ctx, Query{TrainerID: 1, Date: today})
	require.NoError(t, err)
	assert.Equal(t, "12:00", starts(slots)[0])
	assert.Empty(t, mr.Keys())

	// 12:00 falls inside the buffer once the clock moves on.
	g.UseClock(func() time.Time { return time.Date(2026, 3, 2, 11, 45, 0, 0, time.UTC) })
	slots, err = g.Generate(ctx, Query{TrainerID: 1, Date: today})
	require.NoError(t, err)
	assert.Equal(t, "13:00", starts(slots)[0])
}

func TestCalendar(t *testing.T) {
	src := newFakeSource()
	src.rules[1] = mondayRule("09:00", "12:00", 60)
	src.bookings[nextMondayStr] = []model.Booking{{StartTime: "09:00", EndTime: "10:00", Status: model.BookingStatusConfirmed}}

	days, err := newTestGenerator(src).Calendar(context.Background(), 1, time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), 3)
	require.NoError(t, err)
	require.Len(t, days, 3)

	assert.Equal(t, DaySummary{Date: "2026-03-08", Available: 0, Total: 0}, days[0])
	assert.Equal(t, DaySummary{Date: "2026-03-09", Available: 2, Total: 2, LongestFree: 120}, days[1])
	assert.Equal(t, 0, days[2].Total)
}
