package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

type workerFunc func(ctx context.Context, event model.Event) error

func (f workerFunc) Do(ctx context.Context, event model.Event) error {
	return f(ctx, event)
}

func sleepWorker(d time.Duration) model.Worker {
	return workerFunc(func(ctx context.Context, event model.Event) error {
		time.Sleep(d)
		return nil
	})
}

// stubCoordinator grants every claim and can fail marks
type stubCoordinator struct {
	markErr  error
	released atomic.Int64
	marked   atomic.Int64
}

func (s *stubCoordinator) Claim(ctx context.Context, eventID, instanceID string) bool { return true }
func (s *stubCoordinator) MarkProcessed(ctx context.Context, eventID, instanceID string) error {
	s.marked.Add(1)
	return s.markErr
}
func (s *stubCoordinator) Release(ctx context.Context, eventID, instanceID string) error {
	s.released.Add(1)
	return nil
}
func (s *stubCoordinator) Stats(ctx context.Context, instanceID string) (model.ClaimStats, error) {
	return model.ClaimStats{}, nil
}
func (s *stubCoordinator) Ping(ctx context.Context) error { return nil }

// failingStore fails every insert with err
type failingStore struct {
	*EventStoreMemory
	err error
}

func (s *failingStore) Insert(ctx context.Context, record model.EventRecord) error {
	return s.err
}

// countingStore records every insert that reaches the store, the memory
// store underneath still rejects duplicates
type countingStore struct {
	*EventStoreMemory

	mu       sync.Mutex
	attempts map[string]int
	saved    int
}

func newCountingStore() *countingStore {
	return &countingStore{EventStoreMemory: NewEventStoreMemory(), attempts: map[string]int{}}
}

func (s *countingStore) Insert(ctx context.Context, record model.EventRecord) error {
	err := s.EventStoreMemory.Insert(ctx, record)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[record.EventID]++
	if err == nil {
		s.saved++
	}
	return err
}

func (s *countingStore) inserts(eventID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[eventID]
}

func (s *countingStore) stored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

func testEvent(id string) model.Event {
	return model.Event{
		ID:             id,
		Type:           "order",
		Timestamp:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:        json.RawMessage(`{"userId":"user-1","amount":10}`),
		SequenceNumber: 1,
	}
}

func TestEventProcessor_ThreeProcessorsSameEvent(t *testing.T) {
	_, client := newTestRedis(t)
	coordinator := NewClaimCoordinatorRedis(client, time.Minute, time.Hour)
	store := newCountingStore()

	processors := []*EventProcessor{
		NewEventProcessor("p1", coordinator, store, sleepWorker(20*time.Millisecond)),
		NewEventProcessor("p2", coordinator, store, sleepWorker(20*time.Millisecond)),
		NewEventProcessor("p3", coordinator, store, sleepWorker(20*time.Millisecond)),
	}

	results := make([]model.ProcessResult, len(processors))
	wg := sync.WaitGroup{}
	for i, p := range processors {
		wg.Add(1)
		go func(i int, p *EventProcessor) {
			defer wg.Done()
			results[i] = p.ProcessEvent(context.Background(), testEvent("ev-1"))
		}(i, p)
	}
	wg.Wait()

	processed, deduplicated := 0, 0
	for _, r := range results {
		require.True(t, r.Success, r.Error)
		if r.Deduplicated {
			deduplicated++
			assert.Equal(t, model.StateDeduplicated, r.State)
		} else {
			processed++
			assert.Equal(t, model.StateMarked, r.State)
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, 2, deduplicated)
	assert.Equal(t, 1, store.inserts("ev-1"))
	assert.Equal(t, 1, store.stored())
}

func TestEventProcessor_ManyEventsManyInstances(t *testing.T) {
	_, client := newTestRedis(t)
	coordinator := NewClaimCoordinatorRedis(client, time.Minute, time.Hour)
	store := newCountingStore()

	const instances, events = 4, 25
	processors := make([]*EventProcessor, instances)
	for i := range processors {
		processors[i] = NewEventProcessor(fmt.Sprintf("i-%d", i), coordinator, store, sleepWorker(time.Millisecond))
	}

	// every instance receives every event
	wg := sync.WaitGroup{}
	for e := 0; e < events; e++ {
		for _, p := range processors {
			wg.Add(1)
			go func(p *EventProcessor, id string) {
				defer wg.Done()
				p.ProcessEvent(context.Background(), testEvent(id))
			}(p, fmt.Sprintf("ev-%d", e))
		}
	}
	wg.Wait()

	assert.Equal(t, events, store.stored())
	var processed, deduplicated, received int64
	for _, p := range processors {
		s := p.Stats()
		processed += s.Processed
		deduplicated += s.Deduplicated
		received += s.Received
		assert.Zero(t, s.Failed)
	}
	assert.Equal(t, int64(events), processed)
	assert.Equal(t, int64(events*(instances-1)), deduplicated)
	assert.Equal(t, int64(events*instances), received)

	stats, err := coordinator.Stats(context.Background(), "i-0")
	require.NoError(t, err)
	assert.Equal(t, int64(events), stats.TotalProcessed)
	assert.Equal(t, processors[0].Stats().Processed, stats.ProcessedByThisInstance)
}

func TestEventProcessor_SameEventTwice(t *testing.T) {
	mr, client := newTestRedis(t)
	coordinator := NewClaimCoordinatorRedis(client, time.Minute, time.Hour)
	store := newCountingStore()
	p := NewEventProcessor("p1", coordinator, store, sleepWorker(0))

	first := p.ProcessEvent(context.Background(), testEvent("ev-1"))
	require.True(t, first.Success)
	require.False(t, first.Deduplicated)
	assert.Equal(t, model.StateMarked, first.State)

	second := p.ProcessEvent(context.Background(), testEvent("ev-1"))
	assert.True(t, second.Success)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, "claimed/processed", second.Reason)

	assert.Equal(t, 1, store.inserts("ev-1"))
	assert.False(t, mr.Exists("lock:ev-1"))
	assert.Equal(t, model.ProcessorStats{
		InstanceID:        "p1",
		Received:          2,
		Processed:         1,
		Deduplicated:      1,
		DeduplicationRate: "50.00%",
	}, p.Stats())
}

func TestEventProcessor_RecordContent(t *testing.T) {
	_, client := newTestRedis(t)
	store := newCountingStore()
	p := NewEventProcessor("p1", NewClaimCoordinatorRedis(client, time.Minute, time.Hour), store, sleepWorker(0))

	event := testEvent("ev-1")
	event.SequenceNumber = 42
	require.True(t, p.ProcessEvent(context.Background(), event).Success)

	records, err := store.FindByProcessedBy(context.Background(), "p1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, "ev-1", r.EventID)
	assert.Equal(t, "order", r.Type)
	assert.Equal(t, event.Timestamp, r.Timestamp)
	assert.JSONEq(t, string(event.Payload), string(r.Payload))
	assert.Equal(t, int64(42), r.SequenceNumber)
	assert.Equal(t, "p1", r.ProcessedBy)
	assert.False(t, r.ProcessedAt.IsZero())
}

func TestEventProcessor_WorkFailureReleasesClaim(t *testing.T) {
	mr, client := newTestRedis(t)
	coordinator := NewClaimCoordinatorRedis(client, time.Hour, 2*time.Hour)
	store := newCountingStore()

	failing := NewEventProcessor("p1", coordinator, store, workerFunc(func(ctx context.Context, event model.Event) error {
		return errors.New("boom")
	}))
	result := failing.ProcessEvent(context.Background(), testEvent("ev-1"))
	assert.False(t, result.Success)
	assert.False(t, result.Deduplicated)
	assert.Equal(t, model.StateReleased, result.State)
	assert.Contains(t, result.Error, "boom")
	assert.Contains(t, result.Error, model.ErrWorkFailure.Error())
	assert.False(t, mr.Exists("lock:ev-1"))
	assert.Equal(t, int64(1), failing.Stats().Failed)
	assert.Zero(t, store.stored())

	// retried by another instance long before the lock ttl
	assert.True(t, coordinator.Claim(context.Background(), "ev-1", "p2"))
	require.NoError(t, coordinator.Release(context.Background(), "ev-1", "p2"))

	retry := NewEventProcessor("p2", coordinator, store, sleepWorker(0))
	result = retry.ProcessEvent(context.Background(), testEvent("ev-1"))
	assert.True(t, result.Success)
	assert.False(t, result.Deduplicated)
	assert.Equal(t, 1, store.inserts("ev-1"))
}

func TestEventProcessor_DuplicateRecordIsFailure(t *testing.T) {
	_, client := newTestRedis(t)
	coordinator := NewClaimCoordinatorRedis(client, time.Minute, time.Hour)
	store := newCountingStore()
	require.NoError(t, store.Insert(context.Background(), model.EventRecord{EventID: "ev-1", ProcessedBy: "ghost"}))

	p := NewEventProcessor("p1", coordinator, store, sleepWorker(0))
	result := p.ProcessEvent(context.Background(), testEvent("ev-1"))

	assert.False(t, result.Success)
	assert.Equal(t, model.StateReleased, result.State)
	assert.Contains(t, result.Error, model.ErrDuplicateRecord.Error())
	assert.Equal(t, 2, store.inserts("ev-1"))
	assert.Equal(t, 1, store.stored())
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestEventProcessor_StoreUnavailableIsFailure(t *testing.T) {
	coordinator := &stubCoordinator{}
	store := &failingStore{EventStoreMemory: NewEventStoreMemory(), err: errors.Wrap(model.ErrStoreUnavailable, "down")}
	p := NewEventProcessor("p1", coordinator, store, sleepWorker(0))

	result := p.ProcessEvent(context.Background(), testEvent("ev-1"))
	assert.False(t, result.Success)
	assert.Equal(t, int64(1), coordinator.released.Load())
	assert.Zero(t, coordinator.marked.Load())
}

func TestEventProcessor_MarkFailureKeepsSuccess(t *testing.T) {
	coordinator := &stubCoordinator{markErr: errors.Wrap(model.ErrStoreUnavailable, "down")}
	store := newCountingStore()
	p := NewEventProcessor("p1", coordinator, store, sleepWorker(0))

	result := p.ProcessEvent(context.Background(), testEvent("ev-1"))
	assert.True(t, result.Success)
	assert.False(t, result.Deduplicated)
	assert.Equal(t, model.StateMarked, result.State)
	assert.Equal(t, 1, store.inserts("ev-1"))
	assert.Zero(t, coordinator.released.Load())
	assert.Equal(t, int64(1), p.Stats().Processed)
}

func TestEventProcessor_CoordinatorDownDeduplicates(t *testing.T) {
	mr, client := newTestRedis(t)
	store := newCountingStore()
	p := NewEventProcessor("p1", NewClaimCoordinatorRedis(client, time.Minute, time.Hour), store, sleepWorker(0))
	mr.Close()

	result := p.ProcessEvent(context.Background(), testEvent("ev-1"))
	assert.True(t, result.Success)
	assert.True(t, result.Deduplicated)
	assert.Zero(t, store.stored())
}

func TestEventProcessor_CrashedClaimantRecovers(t *testing.T) {
	mr, client := newTestRedis(t)
	coordinator := NewClaimCoordinatorRedis(client, time.Second, time.Hour)
	store := newCountingStore()

	// p1 claims and dies before marking or releasing
	require.True(t, coordinator.Claim(context.Background(), "ev-1", "p1"))

	p2 := NewEventProcessor("p2", coordinator, store, sleepWorker(0))
	assert.True(t, p2.ProcessEvent(context.Background(), testEvent("ev-1")).Deduplicated)

	mr.FastForward(1500 * time.Millisecond)
	result := p2.ProcessEvent(context.Background(), testEvent("ev-1"))
	assert.True(t, result.Success)
	assert.False(t, result.Deduplicated)
	assert.Equal(t, 1, store.inserts("ev-1"))
}

func TestEventProcessor_CancelledMidWorkReleasesClaim(t *testing.T) {
	mr, client := newTestRedis(t)
	coordinator := NewClaimCoordinatorRedis(client, time.Hour, 2*time.Hour)
	store := newCountingStore()

	started := make(chan struct{})
	p := NewEventProcessor("p1", coordinator, store, workerFunc(func(ctx context.Context, event model.Event) error {
		close(started)
		<-ctx.Done()
		return errors.Wrap(model.ErrWorkFailure, ctx.Err().Error())
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan model.ProcessResult, 1)
	go func() {
		done <- p.ProcessEvent(ctx, testEvent("ev-1"))
	}()
	<-started
	require.True(t, mr.Exists("lock:ev-1"))
	cancel()

	var result model.ProcessResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not return after cancellation")
	}
	assert.False(t, result.Success)
	assert.Equal(t, model.StateReleased, result.State)
	assert.Contains(t, result.Error, context.Canceled.Error())
	assert.False(t, mr.Exists("lock:ev-1"))
	assert.Zero(t, store.stored())

	// no need to wait an hour for the lock ttl
	assert.True(t, coordinator.Claim(context.Background(), "ev-1", "p2"))
}

func TestEventProcessor_MarkUsesLiveContextAfterCancel(t *testing.T) {
	mr, client := newTestRedis(t)
	coordinator := NewClaimCoordinatorRedis(client, time.Hour, 2*time.Hour)

	// the request is cancelled after the record is durable
	ctx, cancel := context.WithCancel(context.Background())
	store := &cancelOnInsertStore{countingStore: newCountingStore(), cancel: cancel}
	p := NewEventProcessor("p1", coordinator, store, sleepWorker(0))

	result := p.ProcessEvent(ctx, testEvent("ev-1"))
	assert.True(t, result.Success)
	assert.Equal(t, model.StateMarked, result.State)
	assert.True(t, mr.Exists("processed:ev-1"))
	assert.False(t, mr.Exists("lock:ev-1"))
}

// cancelOnInsertStore cancels the request right after a successful insert
type cancelOnInsertStore struct {
	*countingStore
	cancel context.CancelFunc
}

func (s *cancelOnInsertStore) Insert(ctx context.Context, record model.EventRecord) error {
	err := s.countingStore.Insert(ctx, record)
	s.cancel()
	return err
}

func observeTransitions(t *testing.T) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func transitions(logs *observer.ObservedLogs, eventID string) []string {
	var states []string
	for _, entry := range logs.FilterMessage("processEvent: transition").All() {
		fields := entry.ContextMap()
		if fields["event_id"] == eventID {
			states = append(states, fields["state"].(string))
		}
	}
	return states
}

func TestEventProcessor_Transitions(t *testing.T) {
	logs := observeTransitions(t)
	_, client := newTestRedis(t)
	coordinator := NewClaimCoordinatorRedis(client, time.Minute, time.Hour)
	store := newCountingStore()

	p := NewEventProcessor("p1", coordinator, store, sleepWorker(0))
	require.True(t, p.ProcessEvent(context.Background(), testEvent("ev-ok")).Success)
	require.True(t, p.ProcessEvent(context.Background(), testEvent("ev-ok")).Deduplicated)

	failing := NewEventProcessor("p2", coordinator, store, workerFunc(func(ctx context.Context, event model.Event) error {
		return errors.New("boom")
	}))
	require.False(t, failing.ProcessEvent(context.Background(), testEvent("ev-bad")).Success)

	assert.Equal(t, []string{
		"RECEIVED", "CLAIMED", "WORKING", "PERSISTED", "MARKED",
		"RECEIVED", "DEDUPLICATED",
	}, transitions(logs, "ev-ok"))
	assert.Equal(t, []string{
		"RECEIVED", "CLAIMED", "WORKING", "FAILED", "RELEASED",
	}, transitions(logs, "ev-bad"))
}
