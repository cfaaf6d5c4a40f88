package holds

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrHeld = errors.New("slot is held by another checkout")

// Holds places short-lived soft reservations on trainer slots while a
// customer is in checkout. The booking row remains the hard guarantee.
type Holds struct {
	store Store
	ttl   time.Duration
}

func New(store Store, ttl time.Duration) *Holds {
	return &Holds{store: store, ttl: ttl}
}

func Key(trainerID int64, date, start string) string {
	return fmt.Sprintf("hold:%d:%s:%s", trainerID, date, start)
}

// Hold reserves the slot for owner, refreshing the TTL if owner already has it.
func (h *Holds) Hold(ctx context.Context, trainerID int64, date, start, owner string) error {
	ok, err := h.store.Acquire(ctx, Key(trainerID, date, start), owner, h.ttl)
	if err != nil {
		return fmt.Errorf("acquire hold: %w", err)
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

func (h *Holds) Release(ctx context.Context, trainerID int64, date, start, owner string) error {
	_, err := h.store.Release(ctx, Key(trainerID, date, start), owner)
	return err
}

// IsHeld reports whether anyone holds the slot.
func (h *Holds) IsHeld(ctx context.Context, trainerID int64, date, start string) (bool, error) {
	owner, err := h.store.Owner(ctx, Key(trainerID, date, start))
	return owner != "", err
}

// HeldByOther reports whether someone other than owner holds the slot.
func (h *Holds) HeldByOther(ctx context.Context, trainerID int64, date, start, owner string) (bool, error) {
	cur, err := h.store.Owner(ctx, Key(trainerID, date, start))
	if err != nil {
		return false, err
	}
	return cur != "" && cur != owner, nil
}

func (h *Holds) TTL() time.Duration {
	return h.ttl
}
