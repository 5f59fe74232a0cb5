package ledger

import (
	"context"
	"time"
)

// Sweeper periodically releases reservations abandoned mid-flight so credit
// is never stranded in pending holds.
type Sweeper struct {
	service  *Service
	interval time.Duration
	onError  func(error)
}

// NewSweeper wires a Sweeper. onError may be nil.
func NewSweeper(service *Service, interval time.Duration, onError func(error)) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{service: service, interval: interval, onError: onError}
}

// Run sweeps until the context is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sweeper.service.SweepExpired(ctx); err != nil && sweeper.onError != nil {
				sweeper.onError(err)
			}
		}
	}
}
