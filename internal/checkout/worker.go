package checkout

import (
	"context"
	"sync"
	"time"
)

// Worker periodically expires abandoned orders and retries reconciliation.
type Worker struct {
	svc      *Service
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewWorker(svc *Service, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{svc: svc, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the sweep loop.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop()

	w.svc.logger.Info().Dur("interval", w.interval).Msg("Checkout worker started")
}

// Stop waits for the current sweep to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()

	w.svc.logger.Info().Msg("Checkout worker stopped")
}

func (w *Worker) loop() {
	defer w.wg.Done()

	w.Sweep()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep runs one expiry and reconciliation pass.
func (w *Worker) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if n, err := w.svc.ExpireStale(ctx); err != nil {
		w.svc.logger.Error().Err(err).Msg("Order expiry sweep failed")
	} else if n > 0 {
		w.svc.logger.Info().Int("expired", n).Msg("Expired unpaid orders")
	}

	if n, err := w.svc.RetryReconciliation(ctx); err != nil {
		w.svc.logger.Error().Err(err).Msg("Reconciliation sweep failed")
	} else if n > 0 {
		w.svc.logger.Info().Int("resolved", n).Msg("Reconciliation items resolved")
	}
}
