// Package storage defines the shared conversation record written by the
// dispatcher. Only the first receiver of a message appends, so a broadcast
// observed by many identities yields exactly one history entry.
package storage

import (
	"context"
	"time"
)

// Entry is one recorded inbound user message.
type Entry struct {
	Key        string    // messageKey: sender address + ":" + timestamp
	Sender     string
	SenderUUID string
	SentAt     time.Time // gateway timestamp
	Text       string
	ReceivedBy string // identity that first observed the message
	CreatedAt  time.Time
}

// History is the conversation record. Append must be idempotent on Key:
// at-least-once delivery means the same message can be appended again
// after a replay, and only the first append may stick.
type History interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
