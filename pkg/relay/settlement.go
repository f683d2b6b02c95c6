package relay

import (
	"fmt"
	"strings"
	"sync"
)

// Settlement aggregates the per-consumer outcomes of one publish. Every
// delivery attempt settles individually; a failure in one consumer never
// aborts delivery to the rest.
type Settlement struct {
	// EnvelopeID identifies the published envelope.
	EnvelopeID string
	// Attempted counts callback invocations plus stream enqueues.
	Attempted int
	// Succeeded counts deliveries that completed without error.
	Succeeded int
	// Dropped counts enqueues against already-closed streams. Non-fatal.
	Dropped int
	// FailedConsumers lists the consumer IDs whose delivery failed.
	FailedConsumers []string
	// Errors holds one entry per failed delivery.
	Errors []error
}

// Err returns an aggregate DeliveryError when any consumer failed, nil
// otherwise. Dropped stream writes are not failures.
func (s *Settlement) Err() error {
	if s == nil || len(s.Errors) == 0 {
		return nil
	}
	return &DeliveryError{
		Operation:       "relay fan-out",
		EnvelopeID:      s.EnvelopeID,
		ConsumerCount:   s.Attempted,
		FailedConsumers: uniqueStrings(s.FailedConsumers),
		Errors:          append([]error(nil), s.Errors...),
	}
}

// DeliveryError aggregates multiple consumer delivery errors with contextual metadata.
type DeliveryError struct {
	Operation       string
	EnvelopeID      string
	ConsumerCount   int
	FailedConsumers []string
	Errors          []error
}

// Error returns a descriptive summary of the aggregated delivery failure.
func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{}
	if op := strings.TrimSpace(e.Operation); op != "" {
		parts = append(parts, op)
	} else {
		parts = append(parts, "delivery error")
	}
	if e.EnvelopeID != "" {
		parts = append(parts, fmt.Sprintf("envelope_id=%s", e.EnvelopeID))
	}
	if e.ConsumerCount > 0 {
		parts = append(parts, fmt.Sprintf("consumer_count=%d", e.ConsumerCount))
	}
	if len(e.FailedConsumers) > 0 {
		parts = append(parts, fmt.Sprintf("failed_consumers=%v", e.FailedConsumers))
	}
	for _, err := range e.Errors {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the underlying consumer errors for errors.Is/As compatibility.
func (e *DeliveryError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return append([]error(nil), e.Errors...)
}

// settlementRecorder collects delivery outcomes across concurrent workers.
type settlementRecorder struct {
	mu sync.Mutex
	s  Settlement
}

func (r *settlementRecorder) envelopeID(id string) {
	r.mu.Lock()
	r.s.EnvelopeID = id
	r.mu.Unlock()
}

func (r *settlementRecorder) success() {
	r.mu.Lock()
	r.s.Succeeded++
	r.mu.Unlock()
}

func (r *settlementRecorder) dropped() {
	r.mu.Lock()
	r.s.Dropped++
	r.mu.Unlock()
}

func (r *settlementRecorder) failure(consumerID string, err error) {
	r.mu.Lock()
	r.s.FailedConsumers = append(r.s.FailedConsumers, consumerID)
	r.s.Errors = append(r.s.Errors, err)
	r.mu.Unlock()
}

func (r *settlementRecorder) result(attempted int) *Settlement {
	r.mu.Lock()
	out := r.s
	out.Attempted = attempted
	out.FailedConsumers = append([]string(nil), r.s.FailedConsumers...)
	out.Errors = append([]error(nil), r.s.Errors...)
	r.mu.Unlock()
	return &out
}

func uniqueStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
