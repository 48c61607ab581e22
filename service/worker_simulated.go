package service

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

// SimulatedWorker stands in for real business logic: bounded but variable
// latency, optionally failing.
type SimulatedWorker struct {
	minDelay    time.Duration
	maxDelay    time.Duration
	failureRate float64
}

func NewSimulatedWorker(minDelay, maxDelay time.Duration, failureRate float64) *SimulatedWorker {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &SimulatedWorker{
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		failureRate: failureRate,
	}
}

// Do implements model.Worker
func (w *SimulatedWorker) Do(ctx context.Context, event model.Event) error {
	delay := w.minDelay
	if span := w.maxDelay - w.minDelay; span > 0 {
		delay += rand.N(span + 1)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrapf(model.ErrWorkFailure, "event %s: %v", event.ID, ctx.Err())
	case <-timer.C:
	}

	if w.failureRate > 0 && rand.Float64() < w.failureRate {
		return errors.Wrapf(model.ErrWorkFailure, "event %s: simulated failure", event.ID)
	}
	return nil
}
