package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

// errMalformed marks transport payloads that can never be processed
var errMalformed = errors.New("malformed event")

// eventDispatcher is the part of the instance runtime shared by every
// transport: decode, process, archive.
type eventDispatcher struct {
	processor *EventProcessor
	archive   model.EventArchive
}

func (d *eventDispatcher) dispatch(ctx context.Context, data []byte) (model.ProcessResult, error) {
	logger := zap.L().With(zap.Any("request_id", ctx.Value(model.ContextKey("request_id"))))
	logger.Debug("dispatch: begin request")

	ctx, span := tracer.Start(ctx, "dispatcher/dispatch")
	defer span.End()

	event := model.Event{}
	if err := json.Unmarshal(data, &event); err != nil {
		return model.ProcessResult{}, errors.Wrapf(errMalformed, "decode: %v", err)
	}
	if strings.TrimSpace(event.ID) == "" {
		return model.ProcessResult{}, errors.Wrap(errMalformed, "missing id")
	}
	logger.Sugar().Debugf("dispatch: event %s seq %d type %s", event.ID, event.SequenceNumber, event.Type)

	result := d.processor.ProcessEvent(ctx, event)
	if result.Success && !result.Deduplicated && d.archive != nil {
		d.archiveEvent(ctx, event, result)
	}
	return result, nil
}

func (d *eventDispatcher) archiveEvent(ctx context.Context, event model.Event, result model.ProcessResult) {
	record := model.EventRecord{
		EventID:          event.ID,
		Type:             event.Type,
		Timestamp:        event.Timestamp,
		Payload:          event.Payload,
		SequenceNumber:   event.SequenceNumber,
		ProcessedBy:      d.processor.InstanceID(),
		ProcessedAt:      time.Now(),
		ProcessingTimeMs: result.ProcessingTimeMs,
	}
	if err := d.archive.Save(ctx, []model.EventRecord{record}); err != nil {
		zap.L().Warn("dispatch: failed to archive event", zap.String("event_id", event.ID), zap.Error(err))
	}
}
