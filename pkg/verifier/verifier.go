// Package verifier replays a claimed event sequence against a committed
// proof history.
//
// The verifier trusts only the canonicalization rules and the digest
// algorithm. It has no ledger or network dependency: callers fetch the
// history (live from a channel, or from an exported bundle) and pass it in.
package verifier

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

// ErrLengthMismatch is matched by every *LengthMismatchError.
var ErrLengthMismatch = errors.New("claimed events and recorded proofs differ in length")

// LengthMismatchError is returned when the claimed event count differs from
// the recorded proof count. A longer history means proofs were appended that
// the claim does not account for; it is never silently ignored.
type LengthMismatchError struct {
	Claimed  int
	Recorded int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("verifier: %d claimed events but %d recorded proofs", e.Claimed, e.Recorded)
}

func (e *LengthMismatchError) Is(target error) bool {
	return target == ErrLengthMismatch
}

// Result is the outcome of a verification pass. A mismatch is an expected
// outcome, not an error.
type Result struct {
	OK bool `json:"ok"`
	// MismatchIndex is the position of the first claimed event whose digest
	// differs from the recorded proof. Nil when OK.
	MismatchIndex *int `json:"mismatchIndex,omitempty"`
	// Checked counts the positions compared.
	Checked int `json:"checked"`
}

// Digester computes an event's digest. *proof.Committer satisfies it.
type Digester interface {
	Digest(event proof.Event) (proof.Digest, error)
}

// Verify compares claimed against history position by position and stops
// at the first mismatch.
func Verify(history []proof.Record, claimed []proof.Event, d Digester) (Result, error) {
	if len(history) != len(claimed) {
		return Result{}, &LengthMismatchError{Claimed: len(claimed), Recorded: len(history)}
	}

	for i, ev := range claimed {
		got, err := d.Digest(ev)
		if err != nil {
			return Result{}, fmt.Errorf("claimed event %d: %w", i, err)
		}
		want := history[i].ProofValue()
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			idx := i
			return Result{OK: false, MismatchIndex: &idx, Checked: i + 1}, nil
		}
	}
	return Result{OK: true, Checked: len(claimed)}, nil
}

// Summary renders a one-line description of r.
func (r Result) Summary() string {
	if r.OK {
		return fmt.Sprintf("PASS: %d/%d proofs match", r.Checked, r.Checked)
	}
	if r.MismatchIndex != nil {
		return fmt.Sprintf("FAIL: event %d does not match its recorded proof", *r.MismatchIndex)
	}
	return "FAIL"
}
