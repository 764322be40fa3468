package redisstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger/storetest"
)

func TestParsePosition(t *testing.T) {
	pos, err := parsePosition("42-0")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), pos)

	for _, bad := range []string{"42", "42-1", "0-0", "x-0", ""} {
		_, err := parsePosition(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewWithClient_DefaultPrefix(t *testing.T) {
	s := NewWithClient(nil, "")
	assert.Equal(t, DefaultPrefix+"entries:abc", s.entriesKey("abc"))
	assert.Equal(t, DefaultPrefix+"position:abc", s.positionKey("abc"))
}

// TestStoreContract_Integration requires a running Redis at
// AUDITRAIL_TEST_REDIS_ADDR.
func TestStoreContract_Integration(t *testing.T) {
	addr := os.Getenv("AUDITRAIL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping Redis integration test: AUDITRAIL_TEST_REDIS_ADDR not set")
	}

	storetest.Run(t, func(t *testing.T) ledger.Store {
		s := New(addr, "", 0, "auditrail-test:"+uuid.NewString()+":")
		if err := s.Ping(context.Background()); err != nil {
			t.Skipf("Skipping Redis integration test: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
