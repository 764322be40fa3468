// Package proof turns events into proofs: canonical bytes are digested and
// the digest is packaged into an immutable Record, which renders to the
// message shape ledgers store.
package proof

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/auditrail/pkg/canonicalize"
)

// Event is a domain event. No schema is enforced; values must be
// canonicalizable (see canonicalize.Canonicalize).
type Event map[string]any

// Digest is a lowercase hex-encoded hash of an event's canonical form.
type Digest string

func (d Digest) String() string { return string(d) }

// KindProof is the payload type of every proof message.
const KindProof = "Proof"

// MessageType is the content type of every proof message.
const MessageType = "application/json"

// TimeLayout is ISO-8601 in UTC with millisecond precision, the form
// existing ledgers carry in the created field.
const TimeLayout = "2006-01-02T15:04:05.000Z"

var ErrMalformedProof = errors.New("malformed proof message")

// State tracks a record on its way to the ledger. Transitions only move
// forward: Created -> Submitted -> Appended.
type State int

const (
	StateCreated State = iota
	StateSubmitted
	StateAppended
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubmitted:
		return "submitted"
	case StateAppended:
		return "appended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Next returns the following state. Appended is terminal.
func (s State) Next() (State, error) {
	if s >= StateAppended {
		return s, fmt.Errorf("proof state %s is terminal", s)
	}
	return s + 1, nil
}

// Record is a committed digest with its creation time. It is a value type
// and is never modified after construction.
type Record struct {
	kind       string
	proofValue Digest
	created    time.Time
}

// NewRecord builds a proof record for a digest.
func NewRecord(d Digest, created time.Time) Record {
	return Record{kind: KindProof, proofValue: d, created: created.UTC()}
}

func (r Record) Kind() string       { return r.kind }
func (r Record) ProofValue() Digest { return r.proofValue }
func (r Record) Created() time.Time { return r.created }

// Message renders the record in ledger wire form.
func (r Record) Message() Message {
	return Message{
		Type:    MessageType,
		Created: r.created.UTC().Format(TimeLayout),
		PublicPayload: Payload{
			Type:       r.kind,
			ProofValue: string(r.proofValue),
		},
	}
}

// Message is the exact shape appended to ledger channels.
type Message struct {
	Type          string  `json:"type"`
	Created       string  `json:"created"`
	PublicPayload Payload `json:"publicPayload"`
}

// Payload is the public part of a proof message.
type Payload struct {
	Type       string `json:"type"`
	ProofValue string `json:"proofValue"`
}

// RecordFromMessage parses a ledger message back into a Record. digestSize
// is the expected digest length in bytes; zero skips the length check.
func RecordFromMessage(m Message, digestSize int) (Record, error) {
	if m.PublicPayload.Type != KindProof {
		return Record{}, fmt.Errorf("%w: payload type %q", ErrMalformedProof, m.PublicPayload.Type)
	}
	v := m.PublicPayload.ProofValue
	raw, err := hex.DecodeString(v)
	if err != nil || v != strings.ToLower(v) {
		return Record{}, fmt.Errorf("%w: proof value is not lowercase hex", ErrMalformedProof)
	}
	if len(raw) == 0 {
		return Record{}, fmt.Errorf("%w: proof value is empty", ErrMalformedProof)
	}
	if digestSize > 0 && len(raw) != digestSize {
		return Record{}, fmt.Errorf("%w: proof value has %d bytes, want %d", ErrMalformedProof, len(raw), digestSize)
	}
	created, err := parseCreated(m.Created)
	if err != nil {
		return Record{}, fmt.Errorf("%w: created: %v", ErrMalformedProof, err)
	}
	return Record{kind: KindProof, proofValue: Digest(v), created: created}, nil
}

func parseCreated(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Committer digests events and builds proof records. It holds no mutable
// state and is safe for concurrent use.
type Committer struct {
	hasher Hasher
	clock  func() time.Time
}

// NewCommitter returns a Committer using h.
func NewCommitter(h Hasher) *Committer {
	return &Committer{hasher: h, clock: time.Now}
}

// WithClock overrides clock for testing.
func (c *Committer) WithClock(clock func() time.Time) *Committer {
	c.clock = clock
	return c
}

// Hasher returns the digest algorithm in use.
func (c *Committer) Hasher() Hasher { return c.hasher }

// Digest computes Hash(canonicalize(event)). Encoding failures are returned
// unchanged.
func (c *Committer) Digest(event Event) (Digest, error) {
	b, err := canonicalize.Canonicalize(map[string]any(event))
	if err != nil {
		return "", err
	}
	return c.hasher.Sum(b), nil
}

// Commit builds the proof record for event.
func (c *Committer) Commit(event Event) (Record, error) {
	d, err := c.Digest(event)
	if err != nil {
		return Record{}, err
	}
	return c.Stamp(d), nil
}

// Stamp builds the proof record for a digest computed earlier, dated now.
func (c *Committer) Stamp(d Digest) Record {
	return NewRecord(d, c.clock())
}
