package trail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/auditrail/pkg/canonicalize"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/observability"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
	"github.com/Mindburn-Labs/auditrail/pkg/verifier"
)

// Trail is one identity's channel on the ledger. Its fields never change
// after construction and it caches no history.
type Trail struct {
	svc          *Service
	committer    *proof.Committer
	identityID   string
	address      string
	visibility   ledger.Visibility
	presharedKey string
	topics       []ledger.Topic
}

func (t *Trail) IdentityID() string            { return t.identityID }
func (t *Trail) Address() string               { return t.address }
func (t *Trail) Visibility() ledger.Visibility { return t.visibility }
func (t *Trail) Algorithm() string             { return t.committer.Hasher().Algorithm() }

// Commit digests event and appends its proof. Events with no canonical
// form fail with canonicalize.EncodingError and events failing an
// admission rule are rejected, both before hashing. The record is dated
// once the trail's turn is held, so creation times follow ledger order. A
// cancellation or transport failure during the append leaves the ledger
// indeterminate: confirm with Verify before retrying.
func (t *Trail) Commit(ctx context.Context, event proof.Event) (_ ledger.Entry, err error) {
	ctx, span := t.svc.inst.Start(ctx, "trail.commit", observability.ChannelAttr(t.address))
	defer func() { observability.End(span, err) }()

	canonical, err := canonicalize.Canonicalize(map[string]any(event))
	if err != nil {
		return ledger.Entry{}, err
	}
	if err := t.svc.rules.Admit(ctx, event); err != nil {
		return ledger.Entry{}, err
	}
	digest := t.committer.Hasher().Sum(canonical)

	release, err := t.svc.seq.acquire(ctx, t.address)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("trail %s: waiting to append: %w", t.address, err)
	}
	defer release()

	rec := t.committer.Stamp(digest)
	state, _ := proof.StateCreated.Next()
	start := time.Now()
	entry, err := t.svc.channels.Append(ctx, t.address, rec.Message())
	t.svc.inst.LedgerCall(ctx, "append", time.Since(start), err)
	if err != nil {
		t.svc.logger.WarnContext(ctx, "append failed",
			"channel", t.address,
			"state", state.String(),
			"retryable", ledger.IsRetryable(err),
			"error", err,
		)
		return ledger.Entry{}, err
	}
	state, _ = state.Next()

	t.svc.inst.ProofAppended(ctx, t.address)
	t.svc.logger.DebugContext(ctx, "proof appended",
		"channel", t.address,
		"position", entry.Position,
		"state", state.String(),
		"proof", rec.ProofValue(),
	)
	return entry, nil
}

// Verify replays events against the trail's recorded proofs, in order. A
// mismatch is reported in the Result; a count mismatch is an error
// matching verifier.ErrLengthMismatch.
func (t *Trail) Verify(ctx context.Context, events []proof.Event) (_ verifier.Result, err error) {
	ctx, span := t.svc.inst.Start(ctx, "trail.verify", observability.ChannelAttr(t.address))
	defer func() { observability.End(span, err) }()

	release, err := t.svc.seq.acquire(ctx, t.address)
	if err != nil {
		t.svc.inst.Verification(ctx, observability.ResultError)
		return verifier.Result{}, fmt.Errorf("trail %s: waiting to verify: %w", t.address, err)
	}
	defer release()

	history, err := t.history(ctx)
	if err != nil {
		t.svc.inst.Verification(ctx, observability.ResultError)
		return verifier.Result{}, err
	}

	res, err := verifier.Verify(history, events, t.committer)
	switch {
	case errors.Is(err, verifier.ErrLengthMismatch):
		t.svc.inst.Verification(ctx, observability.ResultMismatch)
		return res, err
	case err != nil:
		t.svc.inst.Verification(ctx, observability.ResultError)
		return res, err
	case !res.OK:
		t.svc.inst.Verification(ctx, observability.ResultMismatch)
		t.svc.logger.WarnContext(ctx, "verification failed",
			"channel", t.address,
			"mismatch_index", *res.MismatchIndex,
		)
	default:
		t.svc.inst.Verification(ctx, observability.ResultOK)
	}
	return res, nil
}

// History returns the trail's proof records in ledger order.
func (t *Trail) History(ctx context.Context) ([]proof.Record, error) {
	return t.history(ctx)
}

// Entries returns the trail's ledger entries after checking that every
// one holds a well-formed proof.
func (t *Trail) Entries(ctx context.Context) ([]ledger.Entry, error) {
	entries, err := t.read(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := ledger.Records(entries, t.committer.Hasher().Size()); err != nil {
		return nil, fmt.Errorf("trail %s: %w", t.address, err)
	}
	return entries, nil
}

func (t *Trail) history(ctx context.Context) ([]proof.Record, error) {
	entries, err := t.read(ctx)
	if err != nil {
		return nil, err
	}
	records, err := ledger.Records(entries, t.committer.Hasher().Size())
	if err != nil {
		return nil, fmt.Errorf("trail %s: %w", t.address, err)
	}
	return records, nil
}

func (t *Trail) read(ctx context.Context) ([]ledger.Entry, error) {
	start := time.Now()
	entries, err := t.svc.channels.ReadHistory(ctx, t.address, t.presharedKey, t.visibility)
	t.svc.inst.LedgerCall(ctx, "read_history", time.Since(start), err)
	return entries, err
}

// Descriptor captures what is needed to reopen the trail.
func (t *Trail) Descriptor() Descriptor {
	return Descriptor{
		IdentityID:     t.identityID,
		ChannelAddress: t.address,
		Visibility:     t.visibility,
		PresharedKey:   t.presharedKey,
		Algorithm:      t.Algorithm(),
		Topics:         t.topics,
	}
}
