package holds

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const recheckInterval = time.Minute

// FailoverStore uses primary until it errors, then serves from fallback and
// retries primary once per recheckInterval.
type FailoverStore struct {
	primary  Store
	fallback Store
	logger   *zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverStore(primary, fallback Store, logger *zerolog.Logger) *FailoverStore {
	return &FailoverStore{primary: primary, fallback: fallback, logger: logger}
}

func (s *FailoverStore) usePrimary() bool {
	if !s.isDown.Load() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastCheck) >= recheckInterval {
		s.lastCheck = time.Now()
		return true
	}
	return false
}

func (s *FailoverStore) markDown(op string, err error) {
	if !s.isDown.Swap(true) {
		s.logger.Warn().Err(err).Str("op", op).Msg("Hold store primary failed, switching to fallback")
	}
	s.mu.Lock()
	s.lastCheck = time.Now()
	s.mu.Unlock()
}

func (s *FailoverStore) markUp() {
	if s.isDown.Swap(false) {
		s.logger.Info().Msg("Hold store primary recovered")
	}
}

func (s *FailoverStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if s.usePrimary() {
		ok, err := s.primary.Acquire(ctx, key, owner, ttl)
		if err == nil {
			s.markUp()
			return ok, nil
		}
		s.markDown("acquire", err)
	}
	return s.fallback.Acquire(ctx, key, owner, ttl)
}

func (s *FailoverStore) Release(ctx context.Context, key, owner string) (bool, error) {
	if s.usePrimary() {
		ok, err := s.primary.Release(ctx, key, owner)
		if err == nil {
			s.markUp()
			// a hold taken while primary was down lives in fallback
			if !ok {
				return s.fallback.Release(ctx, key, owner)
			}
			return ok, nil
		}
		s.markDown("release", err)
	}
	return s.fallback.Release(ctx, key, owner)
}

func (s *FailoverStore) Owner(ctx context.Context, key string) (string, error) {
	if s.usePrimary() {
		owner, err := s.primary.Owner(ctx, key)
		if err == nil {
			s.markUp()
			if owner != "" {
				return owner, nil
			}
			return s.fallback.Owner(ctx, key)
		}
		s.markDown("owner", err)
	}
	return s.fallback.Owner(ctx, key)
}
