package reliability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshbbs/meshsched/contracts"
)

// Failure codes recorded alongside a terminal failure
const (
	CodeRetryExhausted     = "retry_exhausted"
	CodeAckTimeout         = "ack_timeout"
	CodeTransportTimeout   = "transport_timeout"
	CodeCleanupEviction    = "cleanup_eviction"
	CodeQueueFull          = "queue_full"
	CodeDroppedForCapacity = "dropped_for_capacity"
	CodeSchedulerClosed    = "scheduler_closed"
	CodePayloadTooLarge    = "payload_too_large"
	CodeTransportError     = "transport_error"
)

// FailureCode classifies a terminal failure reason
func FailureCode(err error) string {
	switch {
	case errors.Is(err, contracts.ErrRetryExhausted):
		return CodeRetryExhausted
	case errors.Is(err, contracts.ErrAckTimeout):
		return CodeAckTimeout
	case errors.Is(err, contracts.ErrTransportTimeout):
		return CodeTransportTimeout
	case errors.Is(err, contracts.ErrCleanupEviction):
		return CodeCleanupEviction
	case errors.Is(err, contracts.ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, contracts.ErrDroppedForCapacity):
		return CodeDroppedForCapacity
	case errors.Is(err, contracts.ErrSchedulerClosed):
		return CodeSchedulerClosed
	case errors.Is(err, contracts.ErrPayloadTooLarge):
		return CodePayloadTooLarge
	default:
		return CodeTransportError
	}
}

// FailureRecord is a dead-lettered message together with the reason it
// could not be delivered.
type FailureRecord struct {
	ID          string             `json:"id"`
	MessageID   string             `json:"messageId"`
	Destination contracts.NodeID   `json:"destination"`
	Channel     uint32             `json:"channel"`
	Priority    contracts.Priority `json:"priority"`
	Kind        contracts.Kind     `json:"kind"`
	Payload     []byte             `json:"payload"`
	Attempts    int                `json:"attempts"`
	Code        string             `json:"code"`
	Error       string             `json:"error"`
	FailedAt    time.Time          `json:"failedAt"`
}

// NewFailureRecord builds a record for msg failing with reason at now
func NewFailureRecord(msg *contracts.OutgoingMessage, reason error, now time.Time) *FailureRecord {
	rec := &FailureRecord{
		ID:          uuid.New().String(),
		MessageID:   msg.ID,
		Destination: msg.Destination,
		Channel:     msg.Channel,
		Priority:    msg.Priority,
		Kind:        msg.Kind,
		Payload:     msg.Payload,
		Attempts:    msg.Attempts,
		Code:        FailureCode(reason),
		FailedAt:    now,
	}
	if reason != nil {
		rec.Error = reason.Error()
	}
	return rec
}

// FailureStats summarises stored failures
type FailureStats struct {
	Total       int            `json:"total"`
	ByCode      map[string]int `json:"byCode"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// FailureStore keeps terminal delivery failures for operator inspection
type FailureStore interface {
	// Store saves a failure record
	Store(ctx context.Context, rec *FailureRecord) error

	// Get retrieves a record by ID
	Get(ctx context.Context, id string) (*FailureRecord, error)

	// List returns the most recent records first
	List(ctx context.Context, limit int) ([]*FailureRecord, error)

	// Stats returns failure statistics
	Stats(ctx context.Context) (*FailureStats, error)

	// Cleanup removes records older than the given age
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Close releases resources held by the store
	Close() error
}

// InMemoryFailureStore keeps the most recent failures in memory
type InMemoryFailureStore struct {
	records    map[string]*FailureRecord
	order      []string
	maxRecords int
	mu         sync.RWMutex
}

// NewInMemoryFailureStore creates a store retaining at most maxRecords
// entries; older ones are discarded first
func NewInMemoryFailureStore(maxRecords int) *InMemoryFailureStore {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &InMemoryFailureStore{
		records:    make(map[string]*FailureRecord),
		maxRecords: maxRecords,
	}
}

// Store saves a failure record
func (s *InMemoryFailureStore) Store(ctx context.Context, rec *FailureRecord) error {
	if rec == nil {
		return &FailureStoreError{Op: "store", Err: ErrInvalidFailure}
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	copied := *rec
	s.records[rec.ID] = &copied

	for len(s.order) > s.maxRecords {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// Get retrieves a record by ID
func (s *InMemoryFailureStore) Get(ctx context.Context, id string) (*FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, &FailureStoreError{Op: "get", Err: fmt.Errorf("%w: %s", ErrFailureNotFound, id)}
	}
	copied := *rec
	return &copied, nil
}

// List returns the most recent records first
func (s *InMemoryFailureStore) List(ctx context.Context, limit int) ([]*FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*FailureRecord, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		copied := *s.records[s.order[i]]
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Stats returns failure statistics
func (s *InMemoryFailureStore) Stats(ctx context.Context) (*FailureStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &FailureStats{
		Total:       len(s.records),
		ByCode:      make(map[string]int),
		LastUpdated: time.Now(),
	}
	for _, rec := range s.records {
		stats.ByCode[rec.Code]++
	}
	return stats, nil
}

// Cleanup removes records older than the given age
func (s *InMemoryFailureStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		if s.records[id].FailedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

// Close implements FailureStore
func (s *InMemoryFailureStore) Close() error {
	return nil
}

// sortByFailedAtDesc orders records newest first
func sortByFailedAtDesc(recs []*FailureRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].FailedAt.After(recs[j].FailedAt)
	})
}
