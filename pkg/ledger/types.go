// Package ledger defines the append-only ledger boundary of an audit trail.
//
// Ledgers hold channels. A channel is an ordered, append-only sequence of
// proof messages owned by the identity that created it. Positions are
// 1-based and strictly increasing per channel; entries are never mutated
// or deleted once appended.
//
// IdentityProvider and ChannelService are the ports the trail orchestrator
// depends on. Local implements both over any Store; the client package
// implements both against a remote gateway.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/auditrail/pkg/identity"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

var (
	// ErrNotFound is returned when an identity or channel does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when an identity or channel id is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidVisibility is returned for unknown visibility values.
	ErrInvalidVisibility = errors.New("invalid channel visibility")
)

// Visibility controls who can read a channel's history.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// ParseVisibility accepts "public" or "private" in any case. Empty means
// public.
func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(s))) {
	case "", Public:
		return Public, nil
	case Private:
		return Private, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVisibility, s)
	}
}

// Topic tags a channel, e.g. {Type: "buyer-trail", Source: "ddrs"}.
type Topic struct {
	Type   string `json:"type" yaml:"type"`
	Source string `json:"source" yaml:"source"`
}

// Channel is a ledger channel's metadata.
type Channel struct {
	Address    string     `json:"channelAddress"`
	Author     string     `json:"author"`
	Topics     []Topic    `json:"topics"`
	Visibility Visibility `json:"type"`
	// PresharedKey gates reads of private channels. It is only returned to
	// the channel's author at creation.
	PresharedKey string    `json:"presharedKey,omitempty"`
	Created      time.Time `json:"created"`
}

// Entry is one appended message at its ledger position.
type Entry struct {
	ChannelAddress string        `json:"channelAddress"`
	Position       uint64        `json:"position"`
	Message        proof.Message `json:"log"`
}

// IdentityProvider creates identities.
type IdentityProvider interface {
	Create(ctx context.Context, username string) (identity.Identity, error)
}

// ChannelService is an authenticated session against a ledger.
type ChannelService interface {
	CreateChannel(ctx context.Context, topics []Topic, visibility Visibility) (Channel, error)
	Authenticate(ctx context.Context, identityID, secret string) error
	Append(ctx context.Context, channelAddress string, msg proof.Message) (Entry, error)
	ReadHistory(ctx context.Context, channelAddress, accessKey string, visibility Visibility) ([]Entry, error)
}

// Store is the persistence port behind Local. Implementations assign
// append positions atomically and return entries in position order.
type Store interface {
	// PutIdentity stores the public part of an identity.
	PutIdentity(ctx context.Context, ident identity.Identity) error
	GetIdentity(ctx context.Context, id string) (identity.Identity, error)
	PutChannel(ctx context.Context, ch Channel) error
	GetChannel(ctx context.Context, address string) (Channel, error)
	// Append stores msg at the next position of the channel.
	Append(ctx context.Context, address string, msg proof.Message) (Entry, error)
	History(ctx context.Context, address string) ([]Entry, error)
}

// Records parses entries into proof records, in order. digestSize is the
// expected digest length in bytes (zero skips the check). A non-proof
// entry fails the whole history.
func Records(entries []Entry, digestSize int) ([]proof.Record, error) {
	out := make([]proof.Record, 0, len(entries))
	for _, e := range entries {
		rec, err := proof.RecordFromMessage(e.Message, digestSize)
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", e.Position, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
