// Package trail binds an identity and a ledger channel into an audit trail.
//
// A Trail commits events as proofs and verifies claimed event sequences
// against the proofs already on the ledger. Commits to one trail are
// serialized in call order so the ledger order matches the order callers
// intended; verification takes the same turn so it never observes a
// commit from this process mid-flight.
package trail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/auditrail/pkg/admission"
	"github.com/Mindburn-Labs/auditrail/pkg/config"
	"github.com/Mindburn-Labs/auditrail/pkg/identity"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/observability"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

var ErrNoTopics = errors.New("trail needs at least one topic")

// Service holds the collaborators shared by every trail it opens.
type Service struct {
	channels   ledger.ChannelService
	committer  *proof.Committer
	rules      *admission.Evaluator
	inst       *observability.Instruments
	logger     *slog.Logger
	seq        *sequencer
	topics     []ledger.Topic
	visibility ledger.Visibility
}

// Option configures a Service.
type Option func(*Service)

// WithCommitter sets the digest committer. The default uses SHA-256.
func WithCommitter(c *proof.Committer) Option {
	return func(s *Service) { s.committer = c }
}

// WithAdmission gates commits behind rules.
func WithAdmission(rules *admission.Evaluator) Option {
	return func(s *Service) { s.rules = rules }
}

func WithInstruments(inst *observability.Instruments) Option {
	return func(s *Service) { s.inst = inst }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithDefaults sets the topics and visibility Create uses when called
// without them.
func WithDefaults(topics []ledger.Topic, visibility ledger.Visibility) Option {
	return func(s *Service) {
		s.topics = topics
		s.visibility = visibility
	}
}

// NewService returns a Service appending through channels.
func NewService(channels ledger.ChannelService, opts ...Option) (*Service, error) {
	s := &Service{
		channels:   channels,
		logger:     slog.Default().With("component", "trail"),
		seq:        newSequencer(),
		visibility: ledger.Public,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.committer == nil {
		s.committer = proof.NewCommitter(proof.MustHasher(proof.DefaultAlgorithm))
	}
	if s.inst == nil {
		inst, err := observability.NewInstruments()
		if err != nil {
			return nil, fmt.Errorf("trail instruments: %w", err)
		}
		s.inst = inst
	}
	return s, nil
}

// NewFromConfig builds a Service from the trail section of cfg. Extra
// options are applied after the configured ones.
func NewFromConfig(cfg *config.Config, channels ledger.ChannelService, opts ...Option) (*Service, error) {
	h, err := proof.NewHasher(cfg.Trail.Digest)
	if err != nil {
		return nil, err
	}
	rules, err := admission.New(cfg.Trail.Rules)
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithCommitter(proof.NewCommitter(h)),
		WithAdmission(rules),
		WithDefaults(cfg.Trail.Topics, cfg.Visibility()),
	}
	return NewService(channels, append(base, opts...)...)
}

// Authenticate opens a ledger session for ident.
func (s *Service) Authenticate(ctx context.Context, ident identity.Identity) error {
	if !ident.HasSecret() {
		return &ledger.AuthenticationError{IdentityID: ident.ID, Reason: identity.ErrNoSecret.Error()}
	}
	return s.channels.Authenticate(ctx, ident.ID, ident.Key.Secret)
}

// Create authenticates ident and creates a new channel for it. Empty
// topics or visibility fall back to the service defaults.
func (s *Service) Create(ctx context.Context, ident identity.Identity, topics []ledger.Topic, visibility ledger.Visibility) (_ *Trail, err error) {
	ctx, span := s.inst.Start(ctx, "trail.create")
	defer func() { observability.End(span, err) }()

	if len(topics) == 0 {
		topics = s.topics
	}
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	if visibility == "" {
		visibility = s.visibility
	}

	if err := s.Authenticate(ctx, ident); err != nil {
		return nil, err
	}
	ch, err := s.channels.CreateChannel(ctx, topics, visibility)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(observability.ChannelAttr(ch.Address))

	s.logger.InfoContext(ctx, "trail created",
		"identity", ident.ID,
		"channel", ch.Address,
		"visibility", ch.Visibility,
	)
	return &Trail{
		svc:          s,
		committer:    s.committer,
		identityID:   ident.ID,
		address:      ch.Address,
		visibility:   ch.Visibility,
		presharedKey: ch.PresharedKey,
		topics:       ch.Topics,
	}, nil
}

// OpenOption configures a Trail bound with Open.
type OpenOption func(*Trail) error

// WithAccess sets how the trail's history is read.
func WithAccess(visibility ledger.Visibility, presharedKey string) OpenOption {
	return func(t *Trail) error {
		if visibility != "" {
			t.visibility = visibility
		}
		t.presharedKey = presharedKey
		return nil
	}
}

// WithAlgorithm digests with the named algorithm instead of the service's.
func WithAlgorithm(algorithm string) OpenOption {
	return func(t *Trail) error {
		if algorithm == "" || algorithm == t.committer.Hasher().Algorithm() {
			return nil
		}
		h, err := proof.NewHasher(algorithm)
		if err != nil {
			return err
		}
		t.committer = proof.NewCommitter(h)
		return nil
	}
}

// Open binds to an existing channel. It performs no ledger call; commits
// need a session opened with Authenticate.
func (s *Service) Open(identityID, channelAddress string, opts ...OpenOption) (*Trail, error) {
	if channelAddress == "" {
		return nil, fmt.Errorf("open trail: %w: empty channel address", ledger.ErrNotFound)
	}
	t := &Trail{
		svc:        s,
		committer:  s.committer,
		identityID: identityID,
		address:    channelAddress,
		visibility: s.visibility,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, fmt.Errorf("open trail %s: %w", channelAddress, err)
		}
	}
	return t, nil
}

// OpenDescriptor binds to the trail a descriptor names.
func (s *Service) OpenDescriptor(d Descriptor) (*Trail, error) {
	t, err := s.Open(d.IdentityID, d.ChannelAddress,
		WithAccess(d.Visibility, d.PresharedKey),
		WithAlgorithm(d.Algorithm),
	)
	if err != nil {
		return nil, err
	}
	t.topics = d.Topics
	return t, nil
}
