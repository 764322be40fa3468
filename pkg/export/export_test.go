package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/auditrail/pkg/config"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger/memstore"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
	"github.com/Mindburn-Labs/auditrail/pkg/trail"
	"github.com/Mindburn-Labs/auditrail/pkg/verifier"
)

var exportedAt = time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)

func ddrsEvents() []proof.Event {
	return []proof.Event{
		{"gtin": "8410728104102", "type": "ItemBought", "quantity": 2, "depositAmount": 0.2},
		{"gtin": "8410728104102", "type": "ItemReturned", "quantity": 2, "returnAmount": 0.2},
	}
}

func committedBundle(t *testing.T) Bundle {
	t.Helper()
	ctx := context.Background()
	local := ledger.NewLocal(memstore.New())
	ident, err := local.Create(ctx, "buyer")
	require.NoError(t, err)

	svc, err := trail.NewService(local)
	require.NoError(t, err)
	tr, err := svc.Create(ctx, ident, []ledger.Topic{{Type: "buyer-trail", Source: "ddrs"}}, ledger.Public)
	require.NoError(t, err)
	for _, ev := range ddrsEvents() {
		_, err := tr.Commit(ctx, ev)
		require.NoError(t, err)
	}

	b, err := FromTrail(ctx, tr, exportedAt)
	require.NoError(t, err)
	return b
}

func TestBundle_FromTrail(t *testing.T) {
	b := committedBundle(t)

	assert.Equal(t, Version, b.Version)
	assert.Equal(t, proof.AlgorithmSHA256, b.Algorithm)
	assert.Equal(t, "2024-03-02T09:00:00.000Z", b.ExportedAt)
	require.Len(t, b.Entries, 2)
	assert.Len(t, b.Digest, 64)
	require.NoError(t, b.Check())

	res, err := b.Verify(ddrsEvents())
	require.NoError(t, err)
	assert.True(t, res.OK)

	tampered := ddrsEvents()
	tampered[1]["quantity"] = 3
	res, err = b.Verify(tampered)
	require.NoError(t, err)
	require.NotNil(t, res.MismatchIndex)
	assert.Equal(t, 1, *res.MismatchIndex)

	_, err = b.Verify(ddrsEvents()[:1])
	assert.ErrorIs(t, err, verifier.ErrLengthMismatch)
}

func TestBundle_DigestIsDeterministic(t *testing.T) {
	entries := []ledger.Entry{{
		ChannelAddress: "chan",
		Position:       1,
		Message:        proof.NewRecord("625a784b878e190b0ccbaf00254a96509e09218d5ce11c51e640fbc35436c40b", exportedAt).Message(),
	}}
	a, err := New("chan", "did:trail:x", proof.AlgorithmSHA256, entries, exportedAt)
	require.NoError(t, err)
	b, err := New("chan", "did:trail:x", proof.AlgorithmSHA256, entries, exportedAt)
	require.NoError(t, err)
	assert.Equal(t, a.Digest, b.Digest)

	c, err := New("chan", "did:trail:x", proof.AlgorithmSHA256, entries, exportedAt.Add(time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, a.Digest, c.Digest)
}

func TestBundle_CheckDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Bundle)
		want   error
	}{
		{"digest", func(b *Bundle) { b.Digest = "00" + b.Digest[2:] }, ErrTampered},
		{"proof value", func(b *Bundle) {
			b.Entries[0].Message.PublicPayload.ProofValue = "feaa3a5b30a85c3fc175c9461108f86e26b973b69c4e4c1134dc94ececaf3886"
		}, ErrTampered},
		{"dropped entry", func(b *Bundle) { b.Entries = b.Entries[1:] }, ErrTampered},
		{"version", func(b *Bundle) { b.Version = "v0" }, ErrUnsupportedVersion},
		{"algorithm", func(b *Bundle) { b.Algorithm = "md5" }, proof.ErrUnknownAlgorithm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := committedBundle(t)
			tt.mutate(&b)
			assert.ErrorIs(t, b.Check(), tt.want)
		})
	}
}

func TestBundle_CheckSequenceWithValidDigest(t *testing.T) {
	msg := proof.NewRecord("625a784b878e190b0ccbaf00254a96509e09218d5ce11c51e640fbc35436c40b", exportedAt).Message()

	gap, err := New("chan", "", proof.AlgorithmSHA256, []ledger.Entry{{ChannelAddress: "chan", Position: 2, Message: msg}}, exportedAt)
	require.NoError(t, err)
	assert.ErrorIs(t, gap.Check(), ErrTampered)

	foreign, err := New("chan", "", proof.AlgorithmSHA256, []ledger.Entry{{ChannelAddress: "other", Position: 1, Message: msg}}, exportedAt)
	require.NoError(t, err)
	assert.ErrorIs(t, foreign.Check(), ErrTampered)

	bad := msg
	bad.PublicPayload.Type = "Note"
	notProof, err := New("chan", "", proof.AlgorithmSHA256, []ledger.Entry{{ChannelAddress: "chan", Position: 1, Message: bad}}, exportedAt)
	require.NoError(t, err)
	assert.ErrorIs(t, notProof.Check(), proof.ErrMalformedProof)

	empty, err := New("chan", "", proof.AlgorithmSHA256, nil, exportedAt)
	require.NoError(t, err)
	require.NoError(t, empty.Check())
}

func TestBundle_EncodeParse(t *testing.T) {
	b := committedBundle(t)
	data, err := b.Encode()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, b, parsed)

	edited := bytes.Replace(data, []byte(b.ExportedAt), []byte("2030-01-01T00:00:00.000Z"), 1)
	_, err = Parse(edited)
	assert.ErrorIs(t, err, ErrTampered)

	_, err = Parse([]byte("not json"))
	assert.Error(t, err)
}

func TestFileSink(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	b := committedBundle(t)
	loc, err := Write(ctx, sink, b)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, b.Channel, b.Digest+".json"), loc)

	info, err := os.Stat(loc)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Write(ctx, sink, b)
	require.NoError(t, err)
	assert.Equal(t, loc, again)

	got, err := Fetch(ctx, sink, b.ObjectName())
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = sink.Get(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = sink.Put(ctx, "/abs", nil)
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = sink.Get(ctx, "missing.json")
	assert.Error(t, err)

	_, err = NewFileSink("")
	assert.Error(t, err)
}

type fakeS3 struct {
	objects map[string][]byte
	puts    int
	headErr error
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts++
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Sink(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	sink := NewS3SinkWithClient(fake, "proofs", "trails/")

	b := committedBundle(t)
	loc, err := Write(ctx, sink, b)
	require.NoError(t, err)
	assert.Equal(t, "s3://proofs/trails/"+b.ObjectName(), loc)

	_, err = Write(ctx, sink, b)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts)

	got, err := Fetch(ctx, sink, b.ObjectName())
	require.NoError(t, err)
	assert.Equal(t, b.Digest, got.Digest)

	_, err = sink.Get(ctx, "absent.json")
	var noSuchKey *types.NoSuchKey
	assert.True(t, errors.As(err, &noSuchKey))

	fake.headErr = errors.New("access denied")
	_, err = sink.Put(ctx, "other.json", []byte("{}"))
	assert.ErrorContains(t, err, "s3 head failed")
}

func TestNewSink(t *testing.T) {
	ctx := context.Background()

	sink, err := NewSink(ctx, config.ExportConfig{Sink: config.SinkFile, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, sink)

	_, err = NewSink(ctx, config.ExportConfig{Sink: "ftp"})
	assert.ErrorContains(t, err, "unsupported export sink")

	_, err = NewSink(ctx, config.ExportConfig{Sink: config.SinkS3})
	assert.Error(t, err)
}
