// Package storetest holds the behaviour every ledger.Store must share.
// Backends call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/auditrail/pkg/identity"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

// Message returns a well-formed proof message whose digest encodes n.
func Message(n int) proof.Message {
	d := proof.Digest(fmt.Sprintf("%064x", n))
	return proof.NewRecord(d, time.Date(2024, 3, 1, 11, 30, 45, 123000000, time.UTC)).Message()
}

// Channel returns channel metadata with a fixed creation time.
func Channel(address, author string) ledger.Channel {
	return ledger.Channel{
		Address:    address,
		Author:     author,
		Topics:     []ledger.Topic{{Type: "buyer-trail", Source: "ddrs"}},
		Visibility: ledger.Public,
		Created:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Run exercises newStore against the ledger.Store contract. Each subtest
// gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("identity round trip", func(t *testing.T) {
		s := newStore(t)
		ident, err := identity.Generate("alice")
		require.NoError(t, err)

		require.NoError(t, s.PutIdentity(ctx, ident.Public()))
		got, err := s.GetIdentity(ctx, ident.ID)
		require.NoError(t, err)
		assert.Equal(t, ident.Public(), got)

		assert.ErrorIs(t, s.PutIdentity(ctx, ident.Public()), ledger.ErrAlreadyExists)
		_, err = s.GetIdentity(ctx, "did:trail:missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("channel round trip", func(t *testing.T) {
		s := newStore(t)
		ch := Channel("chan-1", "did:trail:a")
		ch.Visibility = ledger.Private
		ch.PresharedKey = "psk"

		require.NoError(t, s.PutChannel(ctx, ch))
		got, err := s.GetChannel(ctx, "chan-1")
		require.NoError(t, err)
		assert.Equal(t, ch.Address, got.Address)
		assert.Equal(t, ch.Author, got.Author)
		assert.Equal(t, ch.Topics, got.Topics)
		assert.Equal(t, ledger.Private, got.Visibility)
		assert.Equal(t, "psk", got.PresharedKey)
		assert.True(t, ch.Created.Equal(got.Created))

		assert.ErrorIs(t, s.PutChannel(ctx, ch), ledger.ErrAlreadyExists)
		_, err = s.GetChannel(ctx, "chan-missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("append assigns increasing positions", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutChannel(ctx, Channel("chan-a", "did:trail:a")))
		require.NoError(t, s.PutChannel(ctx, Channel("chan-b", "did:trail:a")))

		for i := 1; i <= 3; i++ {
			e, err := s.Append(ctx, "chan-a", Message(i))
			require.NoError(t, err)
			assert.Equal(t, uint64(i), e.Position)
			assert.Equal(t, "chan-a", e.ChannelAddress)
		}
		e, err := s.Append(ctx, "chan-b", Message(9))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), e.Position, "positions are per channel")

		hist, err := s.History(ctx, "chan-a")
		require.NoError(t, err)
		require.Len(t, hist, 3)
		for i, e := range hist {
			assert.Equal(t, uint64(i+1), e.Position)
			assert.Equal(t, Message(i+1), e.Message)
		}
	})

	t.Run("empty and missing channels", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutChannel(ctx, Channel("chan-empty", "did:trail:a")))

		hist, err := s.History(ctx, "chan-empty")
		require.NoError(t, err)
		assert.Empty(t, hist)

		_, err = s.History(ctx, "chan-missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = s.Append(ctx, "chan-missing", Message(1))
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("concurrent appends never share a position", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutChannel(ctx, Channel("chan-c", "did:trail:a")))

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Append(ctx, "chan-c", Message(i))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		hist, err := s.History(ctx, "chan-c")
		require.NoError(t, err)
		require.Len(t, hist, n)
		for i, e := range hist {
			assert.Equal(t, uint64(i+1), e.Position)
		}
	})
}
