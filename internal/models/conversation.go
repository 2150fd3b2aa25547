package models

import (
	"time"
)

// ConversationStatus represents where a contact stands in the qualification funnel.
type ConversationStatus string

const (
	// StatusInProgress indicates the contact is still answering questions.
	StatusInProgress ConversationStatus = "in_progress"
	// StatusQualified indicates the eligibility criteria were satisfied.
	StatusQualified ConversationStatus = "qualified"
	// StatusDisqualified indicates the eligibility criteria failed.
	StatusDisqualified ConversationStatus = "disqualified"
	// StatusBooked indicates a qualified lead booked a consultation.
	StatusBooked ConversationStatus = "booked"
	// StatusAbandoned indicates the conversation ended without a decision (declined or handed off).
	StatusAbandoned ConversationStatus = "abandoned"
)

// AllConversationStatuses lists every status in funnel order.
var AllConversationStatuses = []ConversationStatus{
	StatusInProgress,
	StatusQualified,
	StatusDisqualified,
	StatusBooked,
	StatusAbandoned,
}

// IsValidConversationStatus checks if the given status is known.
func IsValidConversationStatus(s ConversationStatus) bool {
	switch s {
	case StatusInProgress, StatusQualified, StatusDisqualified, StatusBooked, StatusAbandoned:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions may happen from this status.
func (s ConversationStatus) IsTerminal() bool {
	return s != StatusInProgress && IsValidConversationStatus(s)
}

// HistoryEvent classifies a history entry.
type HistoryEvent string

const (
	EventCreated      HistoryEvent = "created"
	EventMatched      HistoryEvent = "matched"
	EventClarified    HistoryEvent = "clarified"
	EventQualified    HistoryEvent = "qualified"
	EventDisqualified HistoryEvent = "disqualified"
	EventHandoff      HistoryEvent = "handoff"
	EventBooked       HistoryEvent = "booked"
	EventOutreach     HistoryEvent = "outreach"
)

// HistoryEntry is one append-only audit record of an exchange with the contact.
type HistoryEntry struct {
	Timestamp    time.Time    `json:"timestamp"`
	DeliveryID   string       `json:"delivery_id,omitempty"`
	Event        HistoryEvent `json:"event"`
	Inbound      string       `json:"inbound,omitempty"`
	MatchedState string       `json:"matched_state"`
	Outbound     []string     `json:"outbound,omitempty"`
}

// Conversation is the durable per-contact progress record within a flow.
// It is keyed by phone number; RecordID and PartitionDay locate the physical record.
type Conversation struct {
	RecordID              string             `json:"record_id"`
	PartitionDay          string             `json:"partition_day"`
	PhoneNumber           string             `json:"phone_number"`
	ProductKey            string             `json:"product_key"`
	ContactName           string             `json:"contact_name,omitempty"`
	CurrentState          string             `json:"current_state"`
	Answers               map[string]string  `json:"answers"`
	Status                ConversationStatus `json:"status"`
	ClarificationAttempts int                `json:"clarification_attempts"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
	History               []HistoryEntry     `json:"history"`
	Version               int64              `json:"version"`
}

// PartitionDayFor returns the calendar-day partition (UTC) for a creation time.
func PartitionDayFor(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NewConversation builds a fresh in-progress conversation seeded at the given state.
func NewConversation(phoneNumber, productKey, initialState string, now time.Time) Conversation {
	return Conversation{
		PhoneNumber:  phoneNumber,
		ProductKey:   productKey,
		CurrentState: initialState,
		Answers:      make(map[string]string),
		Status:       StatusInProgress,
		CreatedAt:    now,
		UpdatedAt:    now,
		PartitionDay: PartitionDayFor(now),
	}
}

// AppendHistory adds an entry to the end of the history. Existing entries are never modified.
func (c *Conversation) AppendHistory(entry HistoryEntry) {
	c.History = append(c.History, entry)
}

// FindDelivery returns the history entry produced by the given delivery, if any.
func (c *Conversation) FindDelivery(deliveryID string) (HistoryEntry, bool) {
	if deliveryID == "" {
		return HistoryEntry{}, false
	}
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].DeliveryID == deliveryID {
			return c.History[i], true
		}
	}
	return HistoryEntry{}, false
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Answers = make(map[string]string, len(c.Answers))
	for k, v := range c.Answers {
		out.Answers[k] = v
	}
	out.History = make([]HistoryEntry, len(c.History))
	for i, h := range c.History {
		h.Outbound = append([]string(nil), h.Outbound...)
		out.History[i] = h
	}
	return &out
}

// Inbound is a message received from a contact.
type Inbound struct {
	PhoneNumber string
	Text        string
	DeliveryID  string
	ProfileName string
}

// Reply is the engine's answer to an inbound message: the ordered outbound texts
// plus the resulting conversation position.
type Reply struct {
	PhoneNumber string             `json:"phone_number"`
	Messages    []string           `json:"messages"`
	State       string             `json:"state"`
	Status      ConversationStatus `json:"status"`
	Replayed    bool               `json:"replayed,omitempty"`
}

// ConversationStats is an aggregate projection over all current conversations.
type ConversationStats struct {
	Total    int                        `json:"total"`
	ByStatus map[ConversationStatus]int `json:"by_status"`
}
