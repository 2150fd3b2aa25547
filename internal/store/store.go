// Package store provides storage backends for LeadPipe.
//
// Conversations are addressed by phone number. Each record lives in the day
// partition of its creation, and a persistent phone number index points at the
// contact's current record so lookups never need to know about partitions.
// SQLite (default), PostgreSQL and an in-memory store implement the same contract.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

var (
	// ErrConversationNotFound is returned when no current conversation exists for a phone number.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrDuplicateConversation is returned by CreateConversation when a current record already exists.
	ErrDuplicateConversation = errors.New("conversation already exists")
	// ErrVersionConflict is returned by SaveConversation when the record changed since it was read.
	ErrVersionConflict = errors.New("conversation version conflict")
)

// StoreUnavailableError wraps a persistence I/O failure. Callers should treat it as retryable.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func unavailable(op string, err error) error {
	return &StoreUnavailableError{Op: op, Err: err}
}

// IsRetryable reports whether err is a transient persistence failure that must not
// advance conversation state, so the inbound delivery should be retried.
func IsRetryable(err error) bool {
	var su *StoreUnavailableError
	return errors.As(err, &su) || errors.Is(err, ErrVersionConflict)
}

// ConversationStore persists conversation state.
type ConversationStore interface {
	// GetConversation returns the contact's current record.
	GetConversation(ctx context.Context, phoneNumber string) (*models.Conversation, error)
	// CreateConversation stores a fresh record seeded with phone number, product and
	// initial state. It fails with ErrDuplicateConversation if a current record exists.
	CreateConversation(ctx context.Context, seed models.Conversation) (*models.Conversation, error)
	// SaveConversation overwrites the current record. The save is rejected with
	// ErrVersionConflict if c.Version is stale; on success c.Version is advanced.
	SaveConversation(ctx context.Context, c *models.Conversation) error
	// ResetConversation starts a new current record; the previous one is kept for reporting.
	ResetConversation(ctx context.Context, seed models.Conversation) (*models.Conversation, error)
	// ListConversations returns the records of one day partition, or every current
	// record when day is empty.
	ListConversations(ctx context.Context, day string) ([]models.Conversation, error)
	// CountByStatus aggregates current records by status.
	CountByStatus(ctx context.Context) (models.ConversationStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// prepareSeed fills in identifiers the store owns.
func prepareSeed(seed models.Conversation) models.Conversation {
	now := time.Now().UTC()
	if seed.RecordID == "" {
		seed.RecordID = uuid.NewString()
	}
	if seed.CreatedAt.IsZero() {
		seed.CreatedAt = now
	}
	if seed.UpdatedAt.IsZero() {
		seed.UpdatedAt = seed.CreatedAt
	}
	if seed.PartitionDay == "" {
		seed.PartitionDay = models.PartitionDayFor(seed.CreatedAt)
	}
	if seed.Answers == nil {
		seed.Answers = make(map[string]string)
	}
	if seed.Status == "" {
		seed.Status = models.StatusInProgress
	}
	seed.Version = 1
	return seed
}

func newStats() models.ConversationStats {
	stats := models.ConversationStats{ByStatus: make(map[models.ConversationStatus]int, len(models.AllConversationStatuses))}
	for _, s := range models.AllConversationStatuses {
		stats.ByStatus[s] = 0
	}
	return stats
}

// InMemoryStore keeps conversations in process memory. Used for tests and DATABASE_URL=memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.Conversation // by record id
	index   map[string]string               // phone number -> record id
	inbound map[string]*DedupRecord

	// failWith, when set, is returned from every operation.
	failWith error
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]*models.Conversation),
		index:   make(map[string]string),
		inbound: make(map[string]*DedupRecord),
	}
}

// SetFailure makes every subsequent operation fail with a StoreUnavailableError wrapping err.
// Pass nil to recover.
func (s *InMemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *InMemoryStore) failure(op string) error {
	if s.failWith != nil {
		return unavailable(op, s.failWith)
	}
	return nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, phoneNumber string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("get"); err != nil {
		return nil, err
	}
	id, ok := s.index[phoneNumber]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return s.records[id].Clone(), nil
}

func (s *InMemoryStore) CreateConversation(ctx context.Context, seed models.Conversation) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("create"); err != nil {
		return nil, err
	}
	if _, exists := s.index[seed.PhoneNumber]; exists {
		return nil, ErrDuplicateConversation
	}
	c := prepareSeed(seed)
	s.records[c.RecordID] = c.Clone()
	s.index[c.PhoneNumber] = c.RecordID
	return &c, nil
}

func (s *InMemoryStore) SaveConversation(ctx context.Context, c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("save"); err != nil {
		return err
	}
	existing, ok := s.records[c.RecordID]
	if !ok {
		return ErrConversationNotFound
	}
	if existing.Version != c.Version {
		return ErrVersionConflict
	}
	c.Version++
	s.records[c.RecordID] = c.Clone()
	return nil
}

func (s *InMemoryStore) ResetConversation(ctx context.Context, seed models.Conversation) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("reset"); err != nil {
		return nil, err
	}
	c := prepareSeed(seed)
	s.records[c.RecordID] = c.Clone()
	s.index[c.PhoneNumber] = c.RecordID
	return &c, nil
}

func (s *InMemoryStore) ListConversations(ctx context.Context, day string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("list"); err != nil {
		return nil, err
	}
	var out []models.Conversation
	if day == "" {
		for _, id := range s.index {
			out = append(out, *s.records[id].Clone())
		}
	} else {
		for _, c := range s.records {
			if c.PartitionDay == day {
				out = append(out, *c.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) CountByStatus(ctx context.Context) (models.ConversationStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("count"); err != nil {
		return models.ConversationStats{}, err
	}
	stats := newStats()
	for _, id := range s.index {
		stats.ByStatus[s.records[id].Status]++
		stats.Total++
	}
	return stats, nil
}

func (s *InMemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure("ping")
}

func (s *InMemoryStore) Close() error { return nil }

// Compile-time checks.
var (
	_ ConversationStore = (*InMemoryStore)(nil)
	_ DedupRepo         = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("dedup check"); err != nil {
		return false, err
	}
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, phoneNumber string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("record inbound"); err != nil {
		return false, err
	}
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = &DedupRecord{MessageID: messageID, PhoneNumber: phoneNumber, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("mark processed"); err != nil {
		return err
	}
	if rec, ok := s.inbound[messageID]; ok && rec.ProcessedAt == nil {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) UnprocessedInbound(ctx context.Context, olderThan time.Time) ([]DedupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("unprocessed inbound"); err != nil {
		return nil, err
	}
	var out []DedupRecord
	for _, rec := range s.inbound {
		if rec.ProcessedAt == nil && rec.ReceivedAt.Before(olderThan) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}
