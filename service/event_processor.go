package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

// compensationTimeout bounds the marker write and the release once the request context is gone
const compensationTimeout = 5 * time.Second

// EventProcessor drives one event at a time through
// claim -> work -> persist -> mark, releasing the claim on failure.
// It holds no in-process lock; concurrent calls are safe.
type EventProcessor struct {
	instanceID  string
	coordinator model.ClaimCoordinator
	store       model.EventStore
	worker      model.Worker
	now         func() time.Time

	received     atomic.Int64
	processed    atomic.Int64
	deduplicated atomic.Int64
	failed       atomic.Int64
}

func NewEventProcessor(instanceID string, coordinator model.ClaimCoordinator, store model.EventStore, worker model.Worker) *EventProcessor {
	return &EventProcessor{
		instanceID:  instanceID,
		coordinator: coordinator,
		store:       store,
		worker:      worker,
		now:         time.Now,
	}
}

// InstanceID returns the identifier written into locks, markers and records
func (p *EventProcessor) InstanceID() string {
	return p.instanceID
}

// ProcessEvent never returns an error, failures are reported in the result.
func (p *EventProcessor) ProcessEvent(ctx context.Context, event model.Event) model.ProcessResult {
	start := p.now()
	logger := zap.L().With(
		zap.Any("request_id", ctx.Value(model.ContextKey("request_id"))),
		zap.String("event_id", event.ID),
		zap.String("instance_id", p.instanceID))
	enter := func(s model.ProcessState) {
		logger.Debug("processEvent: transition", zap.String("state", string(s)))
	}

	ctx, span := tracer.Start(ctx, "processor/processEvent")
	defer span.End()

	enter(model.StateReceived)
	p.received.Add(1)
	if !p.coordinator.Claim(ctx, event.ID, p.instanceID) {
		enter(model.StateDeduplicated)
		p.deduplicated.Add(1)
		eventsTotal.WithLabelValues("deduplicated").Inc()
		return model.ProcessResult{
			EventID:      event.ID,
			State:        model.StateDeduplicated,
			Success:      true,
			Deduplicated: true,
			Reason:       "claimed/processed",
		}
	}
	enter(model.StateClaimed)

	if err := p.workAndPersist(ctx, event, start, enter); err != nil {
		enter(model.StateFailed)
		p.failed.Add(1)
		eventsTotal.WithLabelValues("failed").Inc()
		logger.Error("processEvent: failed, releasing claim", zap.Error(err))

		// the failure is often the cancellation itself, the release must still reach the store
		releaseCtx, cancel := compensationContext(ctx)
		defer cancel()
		if relErr := p.coordinator.Release(releaseCtx, event.ID, p.instanceID); relErr != nil {
			logger.Warn("processEvent: claim not released, it will expire", zap.Error(relErr))
		}
		enter(model.StateReleased)
		return model.ProcessResult{
			EventID: event.ID,
			State:   model.StateReleased,
			Success: false,
			Error:   err.Error(),
		}
	}

	// a marker error leaves the lock to expire, the record is already durable
	markCtx, cancel := compensationContext(ctx)
	defer cancel()
	if err := p.coordinator.MarkProcessed(markCtx, event.ID, p.instanceID); err != nil {
		logger.Warn("processEvent: record saved but processed marker not written", zap.Error(err))
	}
	enter(model.StateMarked)
	p.processed.Add(1)
	eventsTotal.WithLabelValues("processed").Inc()

	elapsed := p.now().Sub(start)
	processingDuration.Observe(elapsed.Seconds())
	logger.Sugar().Infof("processEvent: processed in %dms", elapsed.Milliseconds())
	return model.ProcessResult{
		EventID:          event.ID,
		State:            model.StateMarked,
		Success:          true,
		Deduplicated:     false,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
}

// compensationContext keeps the values of ctx but not its cancellation
func compensationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
}

func (p *EventProcessor) workAndPersist(ctx context.Context, event model.Event, start time.Time, enter func(model.ProcessState)) error {
	enter(model.StateWorking)
	if err := p.worker.Do(ctx, event); err != nil {
		if !errors.Is(err, model.ErrWorkFailure) {
			err = errors.Wrap(model.ErrWorkFailure, err.Error())
		}
		return err
	}

	record := model.EventRecord{
		EventID:          event.ID,
		Type:             event.Type,
		Timestamp:        event.Timestamp,
		Payload:          event.Payload,
		SequenceNumber:   event.SequenceNumber,
		ProcessedBy:      p.instanceID,
		ProcessedAt:      p.now(),
		ProcessingTimeMs: p.now().Sub(start).Milliseconds(),
	}
	if err := p.store.Insert(ctx, record); err != nil {
		return errors.Wrap(err, "failed to persist event")
	}
	enter(model.StatePersisted)
	return nil
}

// Stats returns a snapshot of the counters of this processor
func (p *EventProcessor) Stats() model.ProcessorStats {
	received := p.received.Load()
	deduplicated := p.deduplicated.Load()
	return model.ProcessorStats{
		InstanceID:        p.instanceID,
		Received:          received,
		Processed:         p.processed.Load(),
		Deduplicated:      deduplicated,
		Failed:            p.failed.Load(),
		DeduplicationRate: model.FormatDeduplicationRate(received, deduplicated),
	}
}
