// Package dispatch holds the default per-message processing invoked by the
// connection supervisor once a message is accepted.
package dispatch

import (
	"context"
	"fmt"
	"log"

	"github.com/mistakeknot/flotilla/internal/core"
	"github.com/mistakeknot/flotilla/internal/storage"
)

// Recorder appends each message to the shared history exactly once: only
// the first receiver writes, and the store itself is idempotent on the
// message key so a replayed first sighting cannot double-append.
type Recorder struct {
	history storage.History
}

func NewRecorder(history storage.History) *Recorder {
	return &Recorder{history: history}
}

func (r *Recorder) Process(ctx context.Context, env core.Envelope, bot string, firstReceiver bool) error {
	if !firstReceiver {
		log.Printf("dispatch: %s saw %s (already recorded)", bot, env.Key())
		return nil
	}
	if r.history == nil {
		log.Printf("dispatch: %s first receiver for %s (no history store)", bot, env.Key())
		return nil
	}
	e := storage.Entry{
		Key:        env.Key(),
		Sender:     env.Sender,
		SenderUUID: env.SenderUUID,
		SentAt:     env.SentAt(),
		Text:       env.Text,
		ReceivedBy: bot,
	}
	if err := r.history.Append(ctx, e); err != nil {
		return fmt.Errorf("record %s: %w", env.Key(), err)
	}
	log.Printf("dispatch: %s recorded %s from %s", bot, env.Key(), env.Sender)
	return nil
}
