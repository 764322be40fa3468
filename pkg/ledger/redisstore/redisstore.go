// Package redisstore is a ledger.Store on Redis. Each channel's entries
// live in a stream whose ids encode the ledger position ("<position>-0").
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/auditrail/pkg/identity"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "auditrail:"

// appendScript assigns the next position and adds the entry atomically.
// KEYS[1] = channel key
// KEYS[2] = position counter key
// KEYS[3] = entry stream key
// ARGV[1] = message JSON
// Returns the new position, or -1 when the channel does not exist.
var appendScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
local pos = redis.call("INCR", KEYS[2])
redis.call("XADD", KEYS[3], pos .. "-0", "message", ARGV[1])
return pos
`)

// Store implements ledger.Store.
type Store struct {
	client *redis.Client
	prefix string
}

var _ ledger.Store = (*Store)(nil)

// New connects to a Redis server.
func New(addr, password string, db int, prefix string) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewWithClient(rdb, prefix)
}

// NewWithClient wraps an existing client. An empty prefix uses
// DefaultPrefix.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) identityKey(id string) string   { return s.prefix + "identity:" + id }
func (s *Store) channelKey(addr string) string  { return s.prefix + "channel:" + addr }
func (s *Store) positionKey(addr string) string { return s.prefix + "position:" + addr }
func (s *Store) entriesKey(addr string) string  { return s.prefix + "entries:" + addr }

func (s *Store) PutIdentity(ctx context.Context, ident identity.Identity) error {
	return s.putNew(ctx, s.identityKey(ident.ID), ident.Public(), "identity "+ident.ID)
}

func (s *Store) GetIdentity(ctx context.Context, id string) (identity.Identity, error) {
	var ident identity.Identity
	if err := s.get(ctx, s.identityKey(id), &ident); err != nil {
		return identity.Identity{}, err
	}
	return ident, nil
}

func (s *Store) PutChannel(ctx context.Context, ch ledger.Channel) error {
	return s.putNew(ctx, s.channelKey(ch.Address), ch, "channel "+ch.Address)
}

func (s *Store) GetChannel(ctx context.Context, address string) (ledger.Channel, error) {
	var ch ledger.Channel
	if err := s.get(ctx, s.channelKey(address), &ch); err != nil {
		return ledger.Channel{}, err
	}
	return ch, nil
}

func (s *Store) Append(ctx context.Context, address string, msg proof.Message) (ledger.Entry, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("redisstore: encode message: %w", err)
	}
	keys := []string{s.channelKey(address), s.positionKey(address), s.entriesKey(address)}
	pos, err := appendScript.Run(ctx, s.client, keys, string(raw)).Int64()
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("redis append error: %w", err)
	}
	if pos < 0 {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return ledger.Entry{ChannelAddress: address, Position: uint64(pos), Message: msg}, nil
}

func (s *Store) History(ctx context.Context, address string) ([]ledger.Entry, error) {
	n, err := s.client.Exists(ctx, s.channelKey(address)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis exists error: %w", err)
	}
	if n == 0 {
		return nil, ledger.ErrNotFound
	}

	msgs, err := s.client.XRange(ctx, s.entriesKey(address), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("redis xrange error: %w", err)
	}
	result := make([]ledger.Entry, 0, len(msgs))
	for _, m := range msgs {
		pos, err := parsePosition(m.ID)
		if err != nil {
			return nil, err
		}
		raw, ok := m.Values["message"].(string)
		if !ok {
			return nil, fmt.Errorf("redisstore: entry %s of %s has no message", m.ID, address)
		}
		var msg proof.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("redisstore: decode entry %s of %s: %w", m.ID, address, err)
		}
		result = append(result, ledger.Entry{ChannelAddress: address, Position: pos, Message: msg})
	}
	return result, nil
}

func (s *Store) putNew(ctx context.Context, key string, v any, what string) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redisstore: encode %s: %w", what, err)
	}
	ok, err := s.client.SetNX(ctx, key, raw, time.Duration(0)).Result()
	if err != nil {
		return fmt.Errorf("redis setnx error: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", what, ledger.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string, v any) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ledger.ErrNotFound
		}
		return fmt.Errorf("redis get error: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("redisstore: decode %s: %w", key, err)
	}
	return nil
}

// parsePosition extracts the position from a "<position>-0" stream id.
func parsePosition(id string) (uint64, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok || seq != "0" {
		return 0, fmt.Errorf("redisstore: unexpected stream id %q", id)
	}
	pos, err := strconv.ParseUint(ms, 10, 64)
	if err != nil || pos == 0 {
		return 0, fmt.Errorf("redisstore: unexpected stream id %q", id)
	}
	return pos, nil
}
