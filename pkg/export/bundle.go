// Package export snapshots a trail's proof history into a self-digested
// bundle that can be verified offline, and writes bundles to file, S3 or
// GCS sinks.
package export

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/auditrail/pkg/canonicalize"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
	"github.com/Mindburn-Labs/auditrail/pkg/trail"
	"github.com/Mindburn-Labs/auditrail/pkg/verifier"
)

// Version identifies the bundle format.
const Version = "auditrail.bundle/v1"

var (
	// ErrTampered is returned when a bundle's content no longer matches its
	// digest or its entries are out of sequence.
	ErrTampered = errors.New("bundle integrity check failed")
	// ErrUnsupportedVersion is returned for bundles of an unknown format.
	ErrUnsupportedVersion = errors.New("unsupported bundle version")
)

// Bundle is a snapshot of one channel's history. Digest covers every other
// field, computed over their canonical form with Algorithm.
type Bundle struct {
	Version    string         `json:"version"`
	Channel    string         `json:"channelAddress"`
	IdentityID string         `json:"identityId,omitempty"`
	Algorithm  string         `json:"algorithm"`
	ExportedAt string         `json:"exportedAt"`
	Entries    []ledger.Entry `json:"entries"`
	Digest     string         `json:"digest"`
}

// New builds and digests a bundle over entries.
func New(channel, identityID, algorithm string, entries []ledger.Entry, exportedAt time.Time) (Bundle, error) {
	if entries == nil {
		entries = []ledger.Entry{}
	}
	b := Bundle{
		Version:    Version,
		Channel:    channel,
		IdentityID: identityID,
		Algorithm:  algorithm,
		ExportedAt: exportedAt.UTC().Format(proof.TimeLayout),
		Entries:    entries,
	}
	d, err := b.digest()
	if err != nil {
		return Bundle{}, err
	}
	b.Digest = string(d)
	return b, nil
}

// FromTrail snapshots the full history of t.
func FromTrail(ctx context.Context, t *trail.Trail, now time.Time) (Bundle, error) {
	entries, err := t.Entries(ctx)
	if err != nil {
		return Bundle{}, err
	}
	return New(t.Address(), t.IdentityID(), t.Algorithm(), entries, now)
}

func (b Bundle) digest() (proof.Digest, error) {
	h, err := proof.NewHasher(b.Algorithm)
	if err != nil {
		return "", err
	}
	b.Digest = ""
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("decode bundle: %w", err)
	}
	delete(doc, "digest")
	canon, err := canonicalize.Canonicalize(doc)
	if err != nil {
		return "", err
	}
	return h.Sum(canon), nil
}

// Check recomputes the digest and checks that entries hold well-formed
// proofs at positions 1..n.
func (b Bundle) Check() error {
	if b.Version != Version {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, b.Version)
	}
	want, err := b.digest()
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(b.Digest)) != 1 {
		return fmt.Errorf("%w: digest mismatch", ErrTampered)
	}
	for i, e := range b.Entries {
		if e.Position != uint64(i+1) {
			return fmt.Errorf("%w: entry %d has position %d", ErrTampered, i, e.Position)
		}
		if e.ChannelAddress != b.Channel {
			return fmt.Errorf("%w: entry %d belongs to channel %s", ErrTampered, i, e.ChannelAddress)
		}
	}
	if _, err := b.Records(); err != nil {
		return err
	}
	return nil
}

// Records returns the bundle's proofs in ledger order.
func (b Bundle) Records() ([]proof.Record, error) {
	h, err := proof.NewHasher(b.Algorithm)
	if err != nil {
		return nil, err
	}
	return ledger.Records(b.Entries, h.Size())
}

// Verify checks the bundle and replays events against its proofs.
func (b Bundle) Verify(events []proof.Event) (verifier.Result, error) {
	if err := b.Check(); err != nil {
		return verifier.Result{}, err
	}
	records, err := b.Records()
	if err != nil {
		return verifier.Result{}, err
	}
	h, err := proof.NewHasher(b.Algorithm)
	if err != nil {
		return verifier.Result{}, err
	}
	return verifier.Verify(records, events, proof.NewCommitter(h))
}

// ObjectName is the content-addressed name sinks store the bundle under.
func (b Bundle) ObjectName() string {
	return b.Channel + "/" + b.Digest + ".json"
}

// Encode renders the bundle as indented JSON.
func (b Bundle) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	return append(data, '\n'), nil
}

// Read decodes a bundle and checks its integrity.
func Read(r io.Reader) (Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	if err := b.Check(); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

// Parse is Read over a byte slice.
func Parse(data []byte) (Bundle, error) {
	return Read(bytes.NewReader(data))
}
