package model

import (
	"context"
	"encoding/json"
	"time"
)

// ContextKey is a string that can be stored in the context
type ContextKey string

// Event is a broadcast event as it arrives from the transport. Only ID is
// interpreted, everything else is passed through to the record store.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	SequenceNumber int64           `json:"sequenceNumber"`
}

// EventRecord is the durable form of an event, unique on EventID
type EventRecord struct {
	EventID          string          `json:"eventId"`
	Type             string          `json:"type"`
	Timestamp        time.Time       `json:"timestamp"`
	Payload          json.RawMessage `json:"payload"`
	SequenceNumber   int64           `json:"sequenceNumber"`
	ProcessedBy      string          `json:"processedBy"`
	ProcessedAt      time.Time       `json:"processedAt"`
	ProcessingTimeMs int64           `json:"processingTimeMs"`
}

// EventHandler is the abstraction the events processor
type EventHandler interface {
	Start(ctx context.Context) error
	Stats(ctx context.Context) (HandlerStats, error)
	Connected() bool
}

// HandlerStats is the model for reporting the transport level statistics
type HandlerStats struct {
	Received  int64 `json:"received"`
	Success   int64 `json:"success"`
	Errors    int64 `json:"error"`
	Malformed int64 `json:"malformed"`
}

// ClaimCoordinator arbitrates which instance may process an event.
//
// Claim never returns an error: any store failure is reported as not granted.
type ClaimCoordinator interface {
	Claim(ctx context.Context, eventID, instanceID string) bool
	MarkProcessed(ctx context.Context, eventID, instanceID string) error
	Release(ctx context.Context, eventID, instanceID string) error
	Stats(ctx context.Context, instanceID string) (ClaimStats, error)
	Ping(ctx context.Context) error
}

// ClaimStats is computed from the processed markers in the coordination store
type ClaimStats struct {
	TotalProcessed          int64 `json:"totalProcessed"`
	ProcessedByThisInstance int64 `json:"processedByThisInstance"`
	ProcessedByOthers       int64 `json:"processedByOthers"`
}

// EventStore is the abstraction of the durable record store
type EventStore interface {
	Insert(ctx context.Context, record EventRecord) error
	FindByProcessedBy(ctx context.Context, processedBy string, limit int) ([]EventRecord, error)
	Ping(ctx context.Context) error
}

// EventArchive receives records after they have been durably recorded
type EventArchive interface {
	Save(ctx context.Context, records []EventRecord) error
}

// Worker performs the actual work for a claimed event
type Worker interface {
	Do(ctx context.Context, event Event) error
}

// EventPublisher is the sending side of the broadcast transport
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
	Name() string
	Close() error
}

// BroadcasterStats is the model for reporting the broadcaster statistics
type BroadcasterStats struct {
	Transport      string `json:"transport"`
	TotalBroadcast int64  `json:"totalEventsBroadcasted"`
	PublishErrors  int64  `json:"publishErrors"`
}
