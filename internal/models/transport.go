// Package models defines the data shared across LeadPipe components: the
// conversation record, engine input and output, transport events and the JSON
// envelope of the HTTP API.
package models

// MessageStatus is the delivery state a transport reports for an outbound text.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Receipt is a delivery event for a text sent to a contact. Time is Unix seconds.
type Receipt struct {
	To        string        `json:"to"`
	MessageID string        `json:"message_id,omitempty"`
	Status    MessageStatus `json:"status"`
	Time      int64         `json:"time"`
}

// Response is a text a contact sent us, as a transport delivers it, before the
// sender is canonicalised. MessageID is the provider's delivery id.
type Response struct {
	From        string `json:"from"`
	Body        string `json:"body"`
	Time        int64  `json:"time"`
	MessageID   string `json:"message_id,omitempty"`
	ProfileName string `json:"profile_name,omitempty"`
}
