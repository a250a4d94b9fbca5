package gateway

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/mistakeknot/flotilla/internal/core"
)

// Envelope aliases the core payload type so handlers don't import two
// packages for one value.
type Envelope = core.Envelope

// DecodeEnvelope parses a raw gateway frame into a typed envelope. The only
// hard requirements are a sender and a timestamp; every other field
// defaults when absent.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Sender == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing sender")
	}
	if env.Timestamp == 0 {
		return Envelope{}, fmt.Errorf("decode envelope: missing timestamp")
	}
	return env, nil
}

func logDecodeFailure(bot string, raw []byte, err error) {
	const keep = 512
	if len(raw) > keep {
		raw = raw[:keep]
	}
	log.Printf("gateway: %s dropped undecodable frame: %v (raw: %s)", bot, err, raw)
}
