// Package memstore is an in-memory ledger.Store. Entries are append-only;
// nothing is mutated or removed once stored.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/auditrail/pkg/identity"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

// Store keeps identities, channels and entries in maps guarded by one lock.
type Store struct {
	mu         sync.RWMutex
	identities map[string]identity.Identity
	channels   map[string]ledger.Channel
	entries    map[string][]ledger.Entry
}

var _ ledger.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		identities: make(map[string]identity.Identity),
		channels:   make(map[string]ledger.Channel),
		entries:    make(map[string][]ledger.Entry),
	}
}

func (s *Store) PutIdentity(ctx context.Context, ident identity.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[ident.ID]; ok {
		return fmt.Errorf("identity %s: %w", ident.ID, ledger.ErrAlreadyExists)
	}
	s.identities[ident.ID] = ident.Public()
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, id string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	if !ok {
		return identity.Identity{}, ledger.ErrNotFound
	}
	return ident, nil
}

func (s *Store) PutChannel(ctx context.Context, ch ledger.Channel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch.Address]; ok {
		return fmt.Errorf("channel %s: %w", ch.Address, ledger.ErrAlreadyExists)
	}
	ch.Topics = append([]ledger.Topic(nil), ch.Topics...)
	s.channels[ch.Address] = ch
	return nil
}

func (s *Store) GetChannel(ctx context.Context, address string) (ledger.Channel, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Channel{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[address]
	if !ok {
		return ledger.Channel{}, ledger.ErrNotFound
	}
	ch.Topics = append([]ledger.Topic(nil), ch.Topics...)
	return ch, nil
}

// Append assigns the next position under the write lock.
func (s *Store) Append(ctx context.Context, address string, msg proof.Message) (ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[address]; !ok {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	entry := ledger.Entry{
		ChannelAddress: address,
		Position:       uint64(len(s.entries[address])) + 1,
		Message:        msg,
	}
	s.entries[address] = append(s.entries[address], entry)
	return entry, nil
}

// History returns a copy of the channel's entries.
func (s *Store) History(ctx context.Context, address string) ([]ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.channels[address]; !ok {
		return nil, ledger.ErrNotFound
	}
	src := s.entries[address]
	out := make([]ledger.Entry, len(src))
	copy(out, src)
	return out, nil
}

// Length returns the number of entries in a channel.
func (s *Store) Length(address string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[address])
}
