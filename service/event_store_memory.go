package service

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

// EventStoreMemory implements model.EventStore in process memory. It keeps
// the uniqueness contract of the Postgres store but is only durable for the
// lifetime of the process.
type EventStoreMemory struct {
	mu      sync.RWMutex
	records map[string]model.EventRecord
}

func NewEventStoreMemory() *EventStoreMemory {
	return &EventStoreMemory{
		records: map[string]model.EventRecord{},
	}
}

// Insert implements model.EventStore
func (s *EventStoreMemory) Insert(ctx context.Context, record model.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.EventID]; ok {
		return errors.Wrapf(model.ErrDuplicateRecord, "event %s", record.EventID)
	}
	s.records[record.EventID] = record
	return nil
}

// FindByProcessedBy implements model.EventStore
func (s *EventStoreMemory) FindByProcessedBy(ctx context.Context, processedBy string, limit int) ([]model.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.EventRecord, 0, len(s.records))
	for _, r := range s.records {
		if processedBy == "" || r.ProcessedBy == processedBy {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].ProcessedAt.After(out[j].ProcessedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements model.EventStore
func (s *EventStoreMemory) Ping(ctx context.Context) error {
	return nil
}
