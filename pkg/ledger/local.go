package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/auditrail/pkg/identity"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

// Local implements IdentityProvider and ChannelService over a Store.
//
// A Local is one session: Authenticate binds it to an identity, and only
// that identity's channels accept appends through CreateChannel/Append.
// The gateway uses the *As variants to act for a per-request identity.
type Local struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	session string
}

// NewLocal returns an unauthenticated session over store.
func NewLocal(store Store) *Local {
	return &Local{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "ledger"),
	}
}

// WithClock overrides clock for testing.
func (l *Local) WithClock(clock func() time.Time) *Local {
	l.clock = clock
	return l
}

// WithLogger sets the logger.
func (l *Local) WithLogger(logger *slog.Logger) *Local {
	l.logger = logger
	return l
}

// Session returns the authenticated identity id, or "".
func (l *Local) Session() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.session
}

// Create generates an identity and registers its public half. The returned
// identity carries the secret; it is not stored anywhere else.
func (l *Local) Create(ctx context.Context, username string) (identity.Identity, error) {
	ident, err := identity.Generate(username)
	if err != nil {
		return identity.Identity{}, err
	}
	if err := l.store.PutIdentity(ctx, ident.Public()); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return identity.Identity{}, fmt.Errorf("identity %s: %w", ident.ID, err)
		}
		return identity.Identity{}, transport("create identity", "", err)
	}
	l.logger.InfoContext(ctx, "identity created", "identity", ident.ID, "username", ident.Username)
	return ident, nil
}

// Identity returns the registered public identity for id.
func (l *Local) Identity(ctx context.Context, id string) (identity.Identity, error) {
	ident, err := l.store.GetIdentity(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return identity.Identity{}, fmt.Errorf("identity %s: %w", id, err)
		}
		return identity.Identity{}, transport("get identity", "", err)
	}
	return ident, nil
}

// Verify checks secret against the registered identity without touching
// the session.
func (l *Local) Verify(ctx context.Context, identityID, secret string) error {
	ident, err := l.store.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &AuthenticationError{IdentityID: identityID, Reason: "unknown identity"}
		}
		return transport("authenticate", "", err)
	}
	if err := identity.CheckSecret(ident.Key.Public, secret); err != nil {
		return &AuthenticationError{IdentityID: identityID, Reason: err.Error()}
	}
	return nil
}

// Authenticate binds the session to identityID.
func (l *Local) Authenticate(ctx context.Context, identityID, secret string) error {
	if err := l.Verify(ctx, identityID, secret); err != nil {
		l.logger.WarnContext(ctx, "authentication rejected", "identity", identityID, "error", err)
		return err
	}
	l.mu.Lock()
	l.session = identityID
	l.mu.Unlock()
	l.logger.DebugContext(ctx, "authenticated", "identity", identityID)
	return nil
}

// CreateChannel creates a channel owned by the session identity.
func (l *Local) CreateChannel(ctx context.Context, topics []Topic, visibility Visibility) (Channel, error) {
	author, err := l.requireSession()
	if err != nil {
		return Channel{}, err
	}
	return l.CreateChannelAs(ctx, author, topics, visibility)
}

// CreateChannelAs creates a channel owned by author. The caller is
// responsible for having authenticated author.
func (l *Local) CreateChannelAs(ctx context.Context, author string, topics []Topic, visibility Visibility) (Channel, error) {
	vis, err := ParseVisibility(string(visibility))
	if err != nil {
		return Channel{}, err
	}
	sum := sha256.Sum256([]byte(author + "/" + uuid.NewString()))
	ch := Channel{
		Address:    hex.EncodeToString(sum[:]),
		Author:     author,
		Topics:     append([]Topic(nil), topics...),
		Visibility: vis,
		Created:    l.clock().UTC(),
	}
	if vis == Private {
		key, err := newPresharedKey()
		if err != nil {
			return Channel{}, err
		}
		ch.PresharedKey = key
	}
	if err := l.store.PutChannel(ctx, ch); err != nil {
		return Channel{}, transport("create channel", ch.Address, err)
	}
	l.logger.InfoContext(ctx, "channel created", "channel", ch.Address, "author", author, "visibility", vis)
	return ch, nil
}

// Append appends msg to a channel owned by the session identity.
func (l *Local) Append(ctx context.Context, channelAddress string, msg proof.Message) (Entry, error) {
	author, err := l.requireSession()
	if err != nil {
		return Entry{}, err
	}
	return l.AppendAs(ctx, author, channelAddress, msg)
}

// AppendAs appends msg on behalf of author, who must own the channel.
func (l *Local) AppendAs(ctx context.Context, author, channelAddress string, msg proof.Message) (Entry, error) {
	ch, err := l.channel(ctx, "append", channelAddress)
	if err != nil {
		return Entry{}, err
	}
	if ch.Author != author {
		return Entry{}, &AuthenticationError{IdentityID: author, Reason: "not the author of channel " + channelAddress}
	}
	if msg.Type != proof.MessageType {
		return Entry{}, fmt.Errorf("%w: message type %q", proof.ErrMalformedProof, msg.Type)
	}
	if _, err := proof.RecordFromMessage(msg, 0); err != nil {
		return Entry{}, err
	}

	entry, err := l.store.Append(ctx, channelAddress, msg)
	if err != nil {
		return Entry{}, transport("append", channelAddress, err)
	}
	l.logger.DebugContext(ctx, "proof appended", "channel", channelAddress, "position", entry.Position)
	return entry, nil
}

// ReadHistory returns every entry of a channel in position order. Private
// channels require their preshared key.
func (l *Local) ReadHistory(ctx context.Context, channelAddress, accessKey string, visibility Visibility) ([]Entry, error) {
	ch, err := l.channel(ctx, "read", channelAddress)
	if err != nil {
		return nil, err
	}
	if visibility != "" && visibility != ch.Visibility {
		return nil, fmt.Errorf("%w: channel %s is %s", ErrInvalidVisibility, channelAddress, ch.Visibility)
	}
	if ch.Visibility == Private && subtle.ConstantTimeCompare([]byte(accessKey), []byte(ch.PresharedKey)) != 1 {
		return nil, &AuthenticationError{Reason: "preshared key does not match channel " + channelAddress}
	}

	entries, err := l.store.History(ctx, channelAddress)
	if err != nil {
		return nil, transport("read", channelAddress, err)
	}
	return entries, nil
}

// Channel returns a channel's metadata without its preshared key.
func (l *Local) Channel(ctx context.Context, channelAddress string) (Channel, error) {
	ch, err := l.channel(ctx, "get channel", channelAddress)
	if err != nil {
		return Channel{}, err
	}
	ch.PresharedKey = ""
	return ch, nil
}

func (l *Local) channel(ctx context.Context, op, address string) (Channel, error) {
	ch, err := l.store.GetChannel(ctx, address)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Channel{}, fmt.Errorf("channel %s: %w", address, err)
		}
		return Channel{}, transport(op, address, err)
	}
	return ch, nil
}

func (l *Local) requireSession() (string, error) {
	if s := l.Session(); s != "" {
		return s, nil
	}
	return "", &AuthenticationError{Reason: "session is not authenticated"}
}

func newPresharedKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("preshared key generation failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}
