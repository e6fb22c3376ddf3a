package domain

import (
	"time"
)

// RequestMetadata traces a single request through routing: retries, breaker
// trips and timeouts. Created at admission, mutated only by the orchestrator
// while in flight, frozen on terminal state.
type RequestMetadata struct {
	RequestID           string    `json:"requestId"`
	StartTime           time.Time `json:"startTime"`
	EndTime             time.Time `json:"endTime,omitempty"`
	DurationMs          int64     `json:"durationMs"`
	RetryCount          int       `json:"retryCount"`
	SelectedWorker      string    `json:"selectedWorker,omitempty"`
	FailedWorkers       []string  `json:"failedWorkers,omitempty"`
	CircuitBreakerTrips int       `json:"circuitBreakerTrips"`
	Timeouts            int       `json:"timeouts"`
	FinalError          string    `json:"finalError,omitempty"`
}

func NewRequestMetadata(requestID string) *RequestMetadata {
	return &RequestMetadata{
		RequestID: requestID,
		StartTime: time.Now(),
	}
}

// Finalize freezes the trace. err may be nil on success.
func (m *RequestMetadata) Finalize(err error) {
	m.EndTime = time.Now()
	m.DurationMs = m.EndTime.Sub(m.StartTime).Milliseconds()
	if err != nil {
		m.FinalError = err.Error()
	}
}
