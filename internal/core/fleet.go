package core

import (
	"sync"

	"github.com/google/uuid"
)

// Fleet is the registry of configured bot identities. The identity set is
// fixed at construction; only the directory-resolved UUIDs mutate, and each
// UUID is written at most once (cache-only-on-success, immutable after).
type Fleet struct {
	mu     sync.RWMutex
	bots   []*BotIdentity // config order
	byAddr map[string]*BotIdentity
	byUUID map[string]*BotIdentity
}

func NewFleet(bots []BotIdentity) *Fleet {
	f := &Fleet{
		byAddr: make(map[string]*BotIdentity),
		byUUID: make(map[string]*BotIdentity),
	}
	for i := range bots {
		b := bots[i]
		if b.Address == "" {
			continue
		}
		if _, dup := f.byAddr[b.Address]; dup {
			continue
		}
		f.bots = append(f.bots, &b)
		f.byAddr[b.Address] = &b
		if b.UUID != "" {
			f.byUUID[b.UUID] = &b
		}
	}
	return f
}

// Addresses returns every configured bot address in config order.
func (f *Fleet) Addresses() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.bots))
	for _, b := range f.bots {
		out = append(out, b.Address)
	}
	return out
}

// Identities returns a snapshot copy of every configured identity.
func (f *Fleet) Identities() []BotIdentity {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]BotIdentity, 0, len(f.bots))
	for _, b := range f.bots {
		out = append(out, *b)
	}
	return out
}

// Lookup returns the identity for an address.
func (f *Fleet) Lookup(address string) (BotIdentity, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.byAddr[address]
	if !ok {
		return BotIdentity{}, false
	}
	return *b, true
}

// AddressByUUID maps a directory UUID back to a bot address. Only UUIDs
// that resolved successfully are known; everything else degrades to
// address-only matching.
func (f *Fleet) AddressByUUID(id string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.byUUID[id]
	if !ok {
		return "", false
	}
	return b.Address, true
}

// SetUUID records a successful directory resolution. The first write wins;
// later calls for the same address are ignored.
func (f *Fleet) SetUUID(address, id string) {
	if _, err := uuid.Parse(id); err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.byAddr[address]
	if !ok || b.UUID != "" {
		return
	}
	b.UUID = id
	f.byUUID[id] = b
}

// IsBot reports whether a message sender is one of the configured
// identities, matching by address or by resolved UUID. Bot-authored
// messages never participate in consistency tracking.
func (f *Fleet) IsBot(address, senderUUID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.byAddr[address]; ok {
		return true
	}
	if senderUUID != "" {
		if _, ok := f.byUUID[senderUUID]; ok {
			return true
		}
	}
	return false
}
