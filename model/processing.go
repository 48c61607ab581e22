package model

import "fmt"

// ProcessState is the state of one event inside one processor
type ProcessState string

const (
	StateReceived     ProcessState = "RECEIVED"
	StateClaimed      ProcessState = "CLAIMED"
	StateWorking      ProcessState = "WORKING"
	StatePersisted    ProcessState = "PERSISTED"
	StateMarked       ProcessState = "MARKED"
	StateDeduplicated ProcessState = "DEDUPLICATED"
	StateFailed       ProcessState = "FAILED"
	StateReleased     ProcessState = "RELEASED"
)

// Terminal reports whether no further transition can happen from s
func (s ProcessState) Terminal() bool {
	switch s {
	case StateMarked, StateDeduplicated, StateReleased:
		return true
	}
	return false
}

// ProcessResult is returned for every event handed to a processor
type ProcessResult struct {
	EventID          string       `json:"eventId"`
	State            ProcessState `json:"state"`
	Success          bool         `json:"success"`
	Deduplicated     bool         `json:"deduplicated"`
	ProcessingTimeMs int64        `json:"processingTimeMs,omitempty"`
	Reason           string       `json:"reason,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// ProcessorStats is a read-only snapshot of the per-instance counters
type ProcessorStats struct {
	InstanceID        string `json:"instanceId"`
	Received          int64  `json:"received"`
	Processed         int64  `json:"processed"`
	Deduplicated      int64  `json:"deduplicated"`
	Failed            int64  `json:"failed"`
	DeduplicationRate string `json:"deduplicationRate"`
}

// FormatDeduplicationRate renders deduplicated/received as a percentage
func FormatDeduplicationRate(received, deduplicated int64) string {
	if received <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", float64(deduplicated)/float64(received)*100)
}
