package slots

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ptp/internal/model"

	"github.com/redis/go-redis/v9"
)

// Slot represents a bookable interval on a concrete date.
type Slot struct {
	StartTime time.Time
	EndTime   time.Time
	Available bool
}

// SlotInfo is the wire representation of a slot.
type SlotInfo struct {
	Start     string         `json:"start_time"` // "10:00"
	End       string         `json:"end_time"`   // "11:00"
	Display   string         `json:"display"`    // "10:00 AM"
	Available bool           `json:"available"`
	Lengths   []LessonLength `json:"lengths,omitempty"`
}

// LessonLength is one bookable lesson length.
type LessonLength struct {
	Minutes int    `json:"minutes"`
	Label   string `json:"label"`
}

// Lessons longer than a working day are never offered.
const maxLessonMinutes = 8 * 60

// ScheduleSource provides the inputs of slot generation for one trainer.
type ScheduleSource interface {
	WeeklyRule(ctx context.Context, trainerID int64, dayOfWeek int) (*model.WeeklyAvailability, error)
	Exception(ctx context.Context, trainerID int64, date string) (*model.AvailabilityException, error)
	OpenDates(ctx context.Context, trainerID int64, date string) ([]model.OpenDate, error)
	ActiveBookings(ctx context.Context, trainerID int64, date string) ([]model.Booking, error)
}

// HoldChecker reports slots temporarily reserved by a checkout in progress.
type HoldChecker interface {
	IsHeld(ctx context.Context, trainerID int64, date, start string) (bool, error)
}

// Rules are the availability settings shared by all trainers.
type Rules struct {
	MinSlotMinutes     int
	DefaultSlotMinutes int
	TodayBuffer        time.Duration
	MaxAdvanceDays     int
}

// Query selects the slots of one trainer on one date.
type Query struct {
	TrainerID int64
	Date      time.Time
	// Duration is the lesson length in minutes; zero means one step.
	Duration int
	// IncludeUnavailable keeps booked slots in the result, marked unavailable.
	IncludeUnavailable bool
	// NoCache bypasses the Redis slot cache.
	NoCache bool
	// SkipHolds ignores reservation holds; the caller checks them itself.
	SkipHolds bool
}

// Generator turns weekly rules, exceptions and bookings into slots.
type Generator struct {
	source   ScheduleSource
	holds    HoldChecker
	rules    Rules
	loc      *time.Location
	now      func() time.Time
	redis    *redis.Client
	cacheTTL time.Duration
}

// NewGenerator creates a slot generator.
func NewGenerator(source ScheduleSource, rules Rules, loc *time.Location) *Generator {
	if rules.MinSlotMinutes <= 0 {
		rules.MinSlotMinutes = 15
	}
	if rules.DefaultSlotMinutes < rules.MinSlotMinutes {
		rules.DefaultSlotMinutes = 60
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Generator{source: source, rules: rules, loc: loc, now: time.Now}
}

// UseHolds makes held slots show up as unavailable.
func (g *Generator) UseHolds(h HoldChecker) {
	g.holds = h
}

// UseClock replaces the wall clock, for tests.
func (g *Generator) UseClock(now func() time.Time) {
	g.now = now
}

// Location returns the business timezone of the generator.
func (g *Generator) Location() *time.Location {
	return g.loc
}

type window struct {
	start, end int
}

// Generate returns the ordered slots for q.
func (g *Generator) Generate(ctx context.Context, q Query) ([]Slot, error) {
	date := time.Date(q.Date.Year(), q.Date.Month(), q.Date.Day(), 0, 0, 0, 0, g.loc)
	now := g.now().In(g.loc)
	today := model.DateOnly(now)

	if date.Before(today) {
		return nil, nil
	}
	if g.rules.MaxAdvanceDays > 0 && date.After(today.AddDate(0, 0, g.rules.MaxAdvanceDays)) {
		return nil, nil
	}

	dateStr := date.Format(model.DateLayout)
	// Today's slots depend on the moving buffer cutoff, so they are never cached.
	useCache := !q.NoCache && !date.Equal(today)
	cacheKey := fmt.Sprintf("slots:%d:%s:%d:%t", q.TrainerID, dateStr, q.Duration, q.IncludeUnavailable)
	var cached []Slot
	if useCache && g.readCache(ctx, cacheKey, &cached) {
		return cached, nil
	}

	rule, err := g.source.WeeklyRule(ctx, q.TrainerID, int(date.Weekday()))
	if err != nil {
		return nil, fmt.Errorf("load weekly rule: %w", err)
	}
	exc, err := g.source.Exception(ctx, q.TrainerID, dateStr)
	if err != nil {
		return nil, fmt.Errorf("load exception: %w", err)
	}

	var windows []window
	if exc != nil {
		if exc.Blocks() {
			return nil, nil
		}
		startStr, endStr := exc.StartTime, exc.EndTime
		if (startStr == "" || endStr == "") && rule != nil {
			startStr, endStr = rule.StartTime, rule.EndTime
		}
		if startStr != "" && endStr != "" {
			w, err := parseWindow(startStr, endStr)
			if err != nil {
				return nil, fmt.Errorf("exception window: %w", err)
			}
			windows = append(windows, w)
		}
	} else if rule != nil && rule.IsActive {
		w, err := parseWindow(rule.StartTime, rule.EndTime)
		if err != nil {
			return nil, fmt.Errorf("weekly window: %w", err)
		}
		windows = append(windows, w)
	}

	opens, err := g.source.OpenDates(ctx, q.TrainerID, dateStr)
	if err != nil {
		return nil, fmt.Errorf("load open dates: %w", err)
	}
	for _, od := range opens {
		w, err := parseWindow(od.StartTime, od.EndTime)
		if err != nil {
			return nil, fmt.Errorf("open date window: %w", err)
		}
		windows = append(windows, w)
	}

	if len(windows) == 0 {
		return nil, nil
	}

	step := g.stepFor(rule)
	lesson := q.Duration
	if lesson <= 0 {
		lesson = step
	}

	bookings, err := g.source.ActiveBookings(ctx, q.TrainerID, dateStr)
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}

	// Minutes after midnight before which nothing can be booked today.
	cutoff := -1
	if date.Equal(today) {
		cutoff = int(now.Add(g.rules.TodayBuffer).Sub(date) / time.Minute)
	}

	seen := make(map[int]bool)
	var result []Slot
	for _, w := range windows {
		if w.end <= w.start {
			continue
		}
		for s := w.start; s+step <= w.end; s += step {
			if s+lesson > w.end || seen[s] {
				continue
			}
			seen[s] = true

			if cutoff >= 0 && s < cutoff {
				continue
			}

			booked := false
			for i := range bookings {
				if bookings[i].IsActive() && bookings[i].OverlapsWith(s, s+lesson) {
					booked = true
					break
				}
			}
			if booked && !q.IncludeUnavailable {
				continue
			}

			available := !booked
			if available && g.holds != nil && !q.SkipHolds {
				held, err := g.holds.IsHeld(ctx, q.TrainerID, dateStr, model.FormatClock(s))
				if err != nil {
					return nil, fmt.Errorf("check hold: %w", err)
				}
				available = !held
			}

			result = append(result, Slot{
				StartTime: model.OnDate(date, s),
				EndTime:   model.OnDate(date, s+lesson),
				Available: available,
			})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})

	if useCache {
		g.writeCache(ctx, cacheKey, result)
	}
	return result, nil
}

// IsReservable reports whether a lesson of duration minutes can start at
// start ("HH:MM") on date right now. Holds are ignored; a checkout verifies
// hold ownership separately.
func (g *Generator) IsReservable(ctx context.Context, trainerID int64, date time.Time, start string, duration int) (bool, error) {
	return g.isBookable(ctx, Query{TrainerID: trainerID, Date: date, Duration: duration, NoCache: true, SkipHolds: true}, start)
}

func (g *Generator) isBookable(ctx context.Context, q Query, start string) (bool, error) {
	slots, err := g.Generate(ctx, q)
	if err != nil {
		return false, err
	}
	for _, s := range slots {
		if s.StartTime.Format(model.ClockLayout) == start {
			return s.Available, nil
		}
	}
	return false, nil
}

// Slot durations below the configured minimum snap to the default.
func (g *Generator) stepFor(rule *model.WeeklyAvailability) int {
	step := g.rules.DefaultSlotMinutes
	if rule != nil {
		step = rule.SlotDuration
	}
	if step < g.rules.MinSlotMinutes {
		step = g.rules.DefaultSlotMinutes
	}
	return step
}

func parseWindow(start, end string) (window, error) {
	s, err := model.ParseClock(start)
	if err != nil {
		return window{}, err
	}
	e, err := model.ParseClock(end)
	if err != nil {
		return window{}, err
	}
	return window{start: s, end: e}, nil
}

// ToSlotInfo converts slots to SlotInfo for the API. Each available slot
// lists the lesson lengths that fit before the next taken slot.
func ToSlotInfo(slots []Slot) []SlotInfo {
	until := freeUntil(slots)
	result := make([]SlotInfo, len(slots))
	for i, s := range slots {
		result[i] = SlotInfo{
			Start:     s.StartTime.Format(model.ClockLayout),
			End:       s.EndTime.Format(model.ClockLayout),
			Display:   s.StartTime.Format("3:04 PM"),
			Available: s.Available,
		}
		if s.Available {
			result[i].Lengths = lessonLengths(s, until[i])
		}
	}
	return result
}

// freeUntil returns, per slot, the end of the unbroken run of available
// slots it starts. Unavailable slots get their own start.
func freeUntil(slots []Slot) []time.Time {
	until := make([]time.Time, len(slots))
	for i := len(slots) - 1; i >= 0; i-- {
		s := slots[i]
		switch {
		case !s.Available:
			until[i] = s.StartTime
		case i+1 < len(slots) && slots[i+1].Available && slots[i+1].StartTime.Equal(s.EndTime):
			until[i] = until[i+1]
		default:
			until[i] = s.EndTime
		}
	}
	return until
}

// lessonLengths lists multiples of the slot length that fit in [start, until).
func lessonLengths(s Slot, until time.Time) []LessonLength {
	step := int(s.EndTime.Sub(s.StartTime) / time.Minute)
	if step <= 0 {
		return nil
	}
	free := int(until.Sub(s.StartTime) / time.Minute)
	var out []LessonLength
	for m := step; m <= free && m <= maxLessonMinutes; m += step {
		out = append(out, LessonLength{Minutes: m, Label: lessonLabel(m)})
	}
	return out
}

// lessonLabel renders minutes as "45 min", "1 hr", "2 hrs" or "1h 30m".
func lessonLabel(minutes int) string {
	h, m := minutes/60, minutes%60
	switch {
	case h == 0:
		return fmt.Sprintf("%d min", m)
	case m != 0:
		return fmt.Sprintf("%dh %02dm", h, m)
	case h == 1:
		return "1 hr"
	}
	return fmt.Sprintf("%d hrs", h)
}
