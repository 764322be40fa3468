package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger/gateway"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger/memstore"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger/storetest"
)

var ddrsTopics = []ledger.Topic{{Type: "buyer-trail", Source: "ddrs"}}

func newGateway(t *testing.T, cfg gateway.Config) *httptest.Server {
	t.Helper()
	if cfg.JWTSecret == nil {
		cfg.JWTSecret = []byte("test-secret")
	}
	srv, err := gateway.New(ledger.NewLocal(memstore.New()), cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestCheckVersion(t *testing.T) {
	require.NoError(t, CheckVersion("0.1"))
	require.NoError(t, CheckVersion("v0.9.3"))
	assert.ErrorIs(t, CheckVersion("1.0"), ErrUnsupportedVersion)
	assert.ErrorIs(t, CheckVersion("0.0.9"), ErrUnsupportedVersion)
	assert.ErrorIs(t, CheckVersion("latest"), ErrUnsupportedVersion)

	_, err := New("http://localhost", WithAPIVersion("v2.0"))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	ts := newGateway(t, gateway.Config{APIKey: "k3y"})
	c, err := New(ts.URL, WithAPIKey("k3y"), WithRateLimit(100, 10))
	require.NoError(t, err)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)

	ident, err := c.Create(ctx, "ddrs-consumer")
	require.NoError(t, err)
	require.True(t, ident.HasSecret())

	require.NoError(t, c.Authenticate(ctx, ident.ID, ident.Key.Secret))

	ch, err := c.CreateChannel(ctx, ddrsTopics, ledger.Private)
	require.NoError(t, err)
	assert.Equal(t, ident.ID, ch.Author)
	require.NotEmpty(t, ch.PresharedKey)

	for i := 1; i <= 3; i++ {
		e, err := c.Append(ctx, ch.Address, storetest.Message(i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), e.Position)
	}

	hist, err := c.ReadHistory(ctx, ch.Address, ch.PresharedKey, ledger.Private)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, storetest.Message(3), hist[2].Message)
	assert.Equal(t, ch.Address, hist[2].ChannelAddress)

	_, err = c.ReadHistory(ctx, ch.Address, "wrong", ledger.Private)
	assert.ErrorIs(t, err, ledger.ErrUnauthenticated)
}

func TestAuthenticate_Failures(t *testing.T) {
	ctx := context.Background()
	ts := newGateway(t, gateway.Config{})
	c, err := New(ts.URL)
	require.NoError(t, err)

	alice, err := c.Create(ctx, "alice")
	require.NoError(t, err)
	bob, err := c.Create(ctx, "bob")
	require.NoError(t, err)

	err = c.Authenticate(ctx, alice.ID, bob.Key.Secret)
	var authErr *ledger.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, alice.ID, authErr.IdentityID)

	err = c.Authenticate(ctx, "did:trail:unknown", alice.Key.Secret)
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "unknown identity", authErr.Reason)

	_, err = c.CreateChannel(ctx, ddrsTopics, ledger.Public)
	assert.ErrorIs(t, err, ledger.ErrUnauthenticated, "no session yet")
}

func TestAppend_NotAuthorIsAuthenticationError(t *testing.T) {
	ctx := context.Background()
	ts := newGateway(t, gateway.Config{})

	owner, err := New(ts.URL)
	require.NoError(t, err)
	alice, err := owner.Create(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, owner.Authenticate(ctx, alice.ID, alice.Key.Secret))
	ch, err := owner.CreateChannel(ctx, ddrsTopics, ledger.Public)
	require.NoError(t, err)

	other, err := New(ts.URL)
	require.NoError(t, err)
	bob, err := other.Create(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, other.Authenticate(ctx, bob.ID, bob.Key.Secret))

	_, err = other.Append(ctx, ch.Address, storetest.Message(1))
	var authErr *ledger.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, bob.ID, authErr.IdentityID)

	_, err = owner.Append(ctx, "missing", storetest.Message(1))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSession_RenewsNearExpiry(t *testing.T) {
	ctx := context.Background()
	ts := newGateway(t, gateway.Config{TokenTTL: time.Minute})

	now := time.Now()
	c, err := New(ts.URL, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ident, err := c.Create(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, c.Authenticate(ctx, ident.ID, ident.Key.Secret))
	first := c.token

	now = now.Add(45 * time.Second)
	_, err = c.CreateChannel(ctx, ddrsTopics, ledger.Public)
	require.NoError(t, err)
	assert.NotEqual(t, first, c.token, "token inside the refresh margin is renewed")
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{http.StatusUnauthorized, func(t *testing.T, err error) { assert.ErrorIs(t, err, ledger.ErrUnauthenticated) }},
		{http.StatusForbidden, func(t *testing.T, err error) { assert.ErrorIs(t, err, ledger.ErrUnauthenticated) }},
		{http.StatusNotFound, func(t *testing.T, err error) { assert.ErrorIs(t, err, ledger.ErrNotFound) }},
		{http.StatusConflict, func(t *testing.T, err error) { assert.ErrorIs(t, err, ledger.ErrAlreadyExists) }},
		{http.StatusServiceUnavailable, func(t *testing.T, err error) {
			var te *ledger.TransportError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, "read", te.Op)
			assert.Equal(t, "chan-1", te.Channel)
			assert.True(t, ledger.IsRetryable(err))
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, "ledger down", apiErr.Problem.Detail)
		}},
		{http.StatusTooManyRequests, func(t *testing.T, err error) { assert.True(t, ledger.IsRetryable(err)) }},
		{http.StatusBadRequest, func(t *testing.T, err error) {
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, http.StatusBadRequest, apiErr.Status)
			assert.False(t, ledger.IsRetryable(err))
		}},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(gateway.ProblemDetail{Status: tt.status, Title: "x", Detail: "ledger down"})
			}))
			defer ts.Close()

			c, err := New(ts.URL)
			require.NoError(t, err)
			_, err = c.ReadHistory(context.Background(), "chan-1", "", ledger.Public)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestReadHistory_RejectsInvalidLog(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"position":1,"log":{"type":"application/json","created":"2024-03-01T11:30:45.123Z","publicPayload":{"type":"Proof","proofValue":"NOT-HEX"}}}]`))
	}))
	defer ts.Close()

	c, err := New(ts.URL)
	require.NoError(t, err)
	_, err = c.ReadHistory(context.Background(), "chan-1", "", ledger.Public)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position 1")
}

func TestNetworkFailureIsTransportError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := New(url, WithTimeout(time.Second))
	require.NoError(t, err)
	_, err = c.ReadHistory(context.Background(), "chan-1", "", ledger.Public)
	var te *ledger.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "read", te.Op)
}

func TestCanceledContextIsNotRetryable(t *testing.T) {
	ts := newGateway(t, gateway.Config{})
	c, err := New(ts.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.ReadHistory(ctx, "chan-1", "", ledger.Public)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ledger.IsRetryable(err))
}
