package trail

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/auditrail/pkg/admission"
	"github.com/Mindburn-Labs/auditrail/pkg/canonicalize"
	"github.com/Mindburn-Labs/auditrail/pkg/config"
	"github.com/Mindburn-Labs/auditrail/pkg/identity"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger/memstore"
	"github.com/Mindburn-Labs/auditrail/pkg/observability"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
	"github.com/Mindburn-Labs/auditrail/pkg/verifier"
)

var buyerTrail = []ledger.Topic{{Type: "buyer-trail", Source: "ddrs"}}

func ddrsEvents() []proof.Event {
	return []proof.Event{
		{"gtin": "8410728104102", "type": "ItemBought", "quantity": 2, "depositAmount": 0.2},
		{"gtin": "8410728104102", "type": "ItemReturned", "quantity": 2, "returnAmount": 0.2},
	}
}

type harness struct {
	svc   *Service
	local *ledger.Local
	ident identity.Identity
	spans *tracetest.SpanRecorder
	rdr   *sdkmetric.ManualReader
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	local := ledger.NewLocal(memstore.New())
	ident, err := local.Create(context.Background(), "buyer")
	require.NoError(t, err)

	spans := tracetest.NewSpanRecorder()
	rdr := sdkmetric.NewManualReader()
	inst, err := observability.NewInstrumentsFrom(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
	)
	require.NoError(t, err)

	svc, err := NewService(local, append([]Option{WithInstruments(inst)}, opts...)...)
	require.NoError(t, err)
	return &harness{svc: svc, local: local, ident: ident, spans: spans, rdr: rdr}
}

func (h *harness) create(t *testing.T, vis ledger.Visibility) *Trail {
	t.Helper()
	tr, err := h.svc.Create(context.Background(), h.ident, buyerTrail, vis)
	require.NoError(t, err)
	return tr
}

func (h *harness) verifications(t *testing.T) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.rdr.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != observability.MetricVerifications {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				v, _ := dp.Attributes.Value("result")
				out[v.AsString()] = dp.Value
			}
		}
	}
	return out
}

func TestTrail_DDRSScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := h.create(t, ledger.Public)

	for i, ev := range ddrsEvents() {
		entry, err := tr.Commit(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), entry.Position)
	}

	history, err := tr.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, proof.Digest("625a784b878e190b0ccbaf00254a96509e09218d5ce11c51e640fbc35436c40b"), history[0].ProofValue())
	assert.Equal(t, proof.Digest("feaa3a5b30a85c3fc175c9461108f86e26b973b69c4e4c1134dc94ececaf3886"), history[1].ProofValue())

	res, err := tr.Verify(ctx, ddrsEvents())
	require.NoError(t, err)
	assert.True(t, res.OK)

	tampered := ddrsEvents()
	tampered[1]["quantity"] = 3
	res, err = tr.Verify(ctx, tampered)
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.NotNil(t, res.MismatchIndex)
	assert.Equal(t, 1, *res.MismatchIndex)

	_, err = tr.Verify(ctx, ddrsEvents()[:1])
	assert.ErrorIs(t, err, verifier.ErrLengthMismatch)

	assert.Equal(t, map[string]int64{
		observability.ResultOK:       1,
		observability.ResultMismatch: 2,
	}, h.verifications(t))

	var names []string
	for _, s := range h.spans.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"trail.create", "trail.commit", "trail.commit", "trail.verify", "trail.verify", "trail.verify"}, names)
}

func TestTrail_CommitOrderMatchesCallOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := h.create(t, ledger.Public)

	// Hold the trail's turn so every commit queues behind it in launch order.
	release, err := h.svc.seq.acquire(ctx, tr.Address())
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	events := make([]proof.Event, n)
	for i := 0; i < n; i++ {
		events[i] = proof.Event{"type": "ItemBought", "seq": i}
		wg.Add(1)
		go func(ev proof.Event) {
			defer wg.Done()
			_, err := tr.Commit(ctx, ev)
			assert.NoError(t, err)
		}(events[i])
		waitPending(t, h.svc.seq, tr.Address(), i+2)
	}
	release()
	wg.Wait()

	res, err := tr.Verify(ctx, events)
	require.NoError(t, err)
	assert.True(t, res.OK, res.Summary())
}

func TestTrail_ConcurrentTrailsAreIndependent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, ledger.Public)
	b := h.create(t, ledger.Public)

	release, err := h.svc.seq.acquire(ctx, a.Address())
	require.NoError(t, err)
	defer release()

	_, err = b.Commit(ctx, ddrsEvents()[0])
	require.NoError(t, err)
}

func TestTrail_PrivateTrail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := h.create(t, ledger.Private)
	require.NotEmpty(t, tr.Descriptor().PresharedKey)

	_, err := tr.Commit(ctx, ddrsEvents()[0])
	require.NoError(t, err)

	reopened, err := h.svc.Open(h.ident.ID, tr.Address(), WithAccess(ledger.Private, "wrong"))
	require.NoError(t, err)
	_, err = reopened.History(ctx)
	assert.ErrorIs(t, err, ledger.ErrUnauthenticated)

	reopened, err = h.svc.OpenDescriptor(tr.Descriptor())
	require.NoError(t, err)
	res, err := reopened.Verify(ctx, ddrsEvents()[:1])
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestTrail_AdmissionRejectsBeforeAppend(t *testing.T) {
	rules, err := admission.New([]string{`has(event.type)`, `event.type in ["ItemBought", "ItemReturned"]`})
	require.NoError(t, err)
	h := newHarness(t, WithAdmission(rules))
	ctx := context.Background()
	tr := h.create(t, ledger.Public)

	_, err = tr.Commit(ctx, proof.Event{"gtin": "8410728104102"})
	var rej *admission.RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "has(event.type)", rej.Rule)

	_, err = tr.Commit(ctx, proof.Event{"type": "ItemStolen"})
	assert.ErrorIs(t, err, admission.ErrRejected)

	history, err := tr.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTrail_EncodingErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	tr := h.create(t, ledger.Public)

	_, err := tr.Commit(context.Background(), proof.Event{"amount": math.Inf(1)})
	assert.ErrorIs(t, err, canonicalize.ErrEncoding)
	assert.False(t, ledger.IsRetryable(err))
}

func TestTrail_CyclicEventWithRules(t *testing.T) {
	rules, err := admission.New([]string{`has(event.type)`})
	require.NoError(t, err)
	h := newHarness(t, WithAdmission(rules))
	ctx := context.Background()
	tr := h.create(t, ledger.Public)

	loop := map[string]any{}
	loop["self"] = loop
	_, err = tr.Commit(ctx, proof.Event{"type": "ItemBought", "loop": loop})
	var encErr *canonicalize.EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.ErrorIs(t, err, canonicalize.ErrEncoding)

	history, err := tr.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTrail_RecordDatedOnceTurnIsHeld(t *testing.T) {
	var calls atomic.Int32
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := proof.NewCommitter(proof.MustHasher(proof.AlgorithmSHA256)).WithClock(func() time.Time {
		return base.Add(time.Duration(calls.Add(1)) * time.Second)
	})
	h := newHarness(t, WithCommitter(c))
	ctx := context.Background()
	tr := h.create(t, ledger.Public)

	release, err := h.svc.seq.acquire(ctx, tr.Address())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := tr.Commit(ctx, ddrsEvents()[0])
		done <- err
	}()
	waitPending(t, h.svc.seq, tr.Address(), 2)
	assert.Equal(t, int32(0), calls.Load())

	release()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), calls.Load())

	history, err := tr.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Created().Equal(base.Add(time.Second)))
}

func TestTrail_CanceledCommit(t *testing.T) {
	h := newHarness(t)
	tr := h.create(t, ledger.Public)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Commit(ctx, ddrsEvents()[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrail_CommitNeedsSession(t *testing.T) {
	local := ledger.NewLocal(memstore.New())
	svc, err := NewService(local)
	require.NoError(t, err)

	tr, err := svc.Open("did:trail:nobody", "missing")
	require.NoError(t, err)
	_, err = tr.Commit(context.Background(), ddrsEvents()[0])
	assert.ErrorIs(t, err, ledger.ErrUnauthenticated)
}

func TestService_CreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, h.ident, nil, ledger.Public)
	assert.ErrorIs(t, err, ErrNoTopics)

	_, err = h.svc.Create(ctx, h.ident.Public(), buyerTrail, ledger.Public)
	assert.ErrorIs(t, err, ledger.ErrUnauthenticated)

	_, err = h.svc.Open(h.ident.ID, "")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = h.svc.Open(h.ident.ID, "addr", WithAlgorithm("md5"))
	assert.ErrorIs(t, err, proof.ErrUnknownAlgorithm)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Trail.Digest = proof.AlgorithmSHA3_256
	cfg.Trail.Visibility = "private"
	cfg.Trail.Rules = []string{`event.quantity > 0`}

	local := ledger.NewLocal(memstore.New())
	ident, err := local.Create(context.Background(), "buyer")
	require.NoError(t, err)

	svc, err := NewFromConfig(cfg, local)
	require.NoError(t, err)
	tr, err := svc.Create(context.Background(), ident, nil, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.Private, tr.Visibility())
	assert.Equal(t, proof.AlgorithmSHA3_256, tr.Algorithm())

	_, err = tr.Commit(context.Background(), proof.Event{"quantity": 0})
	assert.ErrorIs(t, err, admission.ErrRejected)

	cfg.Trail.Rules = []string{`event.quantity +`}
	_, err = NewFromConfig(cfg, local)
	assert.Error(t, err)
}

func TestDescriptor_SaveLoad(t *testing.T) {
	h := newHarness(t)
	tr := h.create(t, ledger.Private)
	path := filepath.Join(t.TempDir(), "trail.json")

	require.NoError(t, SaveDescriptor(path, tr.Descriptor()))
	d, err := LoadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, tr.Descriptor(), d)

	bad := d
	bad.PresharedKey = ""
	assert.ErrorIs(t, SaveDescriptor(path, bad), ErrInvalidDescriptor)

	bad = d
	bad.Algorithm = "md5"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidDescriptor)

	_, err = LoadDescriptor(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
