package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

func TestSimulatedWorker(t *testing.T) {
	t.Run("delay stays within bounds", func(t *testing.T) {
		w := NewSimulatedWorker(10*time.Millisecond, 20*time.Millisecond, 0)
		for i := 0; i < 5; i++ {
			start := time.Now()
			assert.NoError(t, w.Do(context.Background(), testEvent("ev-1")))
			assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
		}
	})

	t.Run("always fails with rate 1", func(t *testing.T) {
		w := NewSimulatedWorker(0, 0, 1)
		assert.ErrorIs(t, w.Do(context.Background(), testEvent("ev-1")), model.ErrWorkFailure)
	})

	t.Run("canceled context aborts the work", func(t *testing.T) {
		w := NewSimulatedWorker(time.Hour, time.Hour, 0)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, w.Do(ctx, testEvent("ev-1")), model.ErrWorkFailure)
	})

	t.Run("inverted bounds collapse to the minimum", func(t *testing.T) {
		w := NewSimulatedWorker(time.Millisecond, 0, 0)
		assert.Equal(t, time.Millisecond, w.maxDelay)
	})
}
