package core

import (
	"fmt"
	"time"
)

// BotIdentity is one managed chat-bot address with its own push connection.
// Created once at startup per configured bot, never destroyed while the
// process runs.
type BotIdentity struct {
	Address string // phone-equivalent stable identifier
	Name    string // display name
	UUID    string // directory-resolved stable UUID, empty until resolved
}

// Envelope is the typed inbound message payload. Absent fields default to
// their zero values instead of being probed dynamically.
type Envelope struct {
	Sender      string   `json:"sender"`
	SenderUUID  string   `json:"sender_uuid,omitempty"`
	Timestamp   int64    `json:"timestamp"` // unix milliseconds
	Text        string   `json:"text,omitempty"`
	Mentions    []string `json:"mentions,omitempty"` // mentioned UUIDs
	QuoteAuthor string   `json:"quote_author,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// Key identifies a message across identities: every identity that observes
// the same gateway broadcast sees the same (sender, timestamp) pair.
func (e Envelope) Key() string {
	return fmt.Sprintf("%s:%d", e.Sender, e.Timestamp)
}

// SentAt converts the wire timestamp to a time.Time.
func (e Envelope) SentAt() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}
