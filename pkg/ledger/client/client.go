// Package client is a ledger gateway client. It implements
// ledger.IdentityProvider and ledger.ChannelService over HTTP, so a trail
// can commit to a remote ledger exactly as it does to a local one.
//
// The client never retries. Failed calls surface as *ledger.TransportError
// (network, 429 and 5xx) or *ledger.AuthenticationError (401, 403).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/auditrail/pkg/identity"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger/gateway"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

// SupportedVersions is the API version range this client speaks.
const SupportedVersions = ">= 0.1, < 1.0"

// refreshMargin re-authenticates before the session token expires.
const refreshMargin = 30 * time.Second

// ErrUnsupportedVersion is returned for API versions outside
// SupportedVersions.
var ErrUnsupportedVersion = errors.New("unsupported gateway api version")

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Problem gateway.ProblemDetail
}

func (e *APIError) Error() string {
	if e.Problem.Detail != "" {
		return fmt.Sprintf("gateway %d: %s", e.Status, e.Problem.Detail)
	}
	return fmt.Sprintf("gateway %d: %s", e.Status, http.StatusText(e.Status))
}

// Client talks to a ledger gateway.
type Client struct {
	baseURL    string
	apiVersion string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	clock      func() time.Time
	logger     *slog.Logger

	mu         sync.Mutex
	identityID string
	secret     string
	token      string
	expires    time.Time
}

var (
	_ ledger.IdentityProvider = (*Client)(nil)
	_ ledger.ChannelService   = (*Client)(nil)
)

// Option configures the client.
type Option func(*Client)

// WithAPIKey sets the api-key query parameter sent with every call.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithAPIVersion selects the API version, e.g. "0.1".
func WithAPIVersion(v string) Option {
	return func(c *Client) { c.apiVersion = strings.TrimPrefix(v, "v") }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit bounds outgoing requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithClock overrides clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) { c.clock = clock }
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: gateway.APIVersion,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clock:      time.Now,
		logger:     slog.Default().With("component", "ledger-client"),
	}
	for _, o := range opts {
		o(c)
	}
	if err := CheckVersion(c.apiVersion); err != nil {
		return nil, err
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	return c, nil
}

// CheckVersion reports whether version is within SupportedVersions.
func CheckVersion(version string) error {
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("invalid version constraint: %w", err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, version, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, version, SupportedVersions)
	}
	return nil
}

// Health fetches the gateway health document and checks its API version.
func (c *Client) Health(ctx context.Context) (gateway.Health, error) {
	var h gateway.Health
	if err := c.do(ctx, "health", "", http.MethodGet, c.baseURL+"/healthz", nil, "", &h); err != nil {
		return gateway.Health{}, err
	}
	if err := CheckVersion(h.APIVersion); err != nil {
		return h, err
	}
	return h, nil
}

// Create registers a new identity with the gateway.
func (c *Client) Create(ctx context.Context, username string) (identity.Identity, error) {
	var ident identity.Identity
	body := gateway.CreateIdentityRequest{Username: username}
	if err := c.do(ctx, "create identity", "", http.MethodPost, c.endpoint("/identities/create", nil), body, "", &ident); err != nil {
		return identity.Identity{}, err
	}
	if err := ident.Validate(); err != nil {
		return identity.Identity{}, fmt.Errorf("gateway returned an invalid identity: %w", err)
	}
	return ident, nil
}

// Authenticate proves ownership of identityID and stores the session
// token. The credentials are kept to renew the token before it expires.
func (c *Client) Authenticate(ctx context.Context, identityID, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx, identityID, secret)
}

func (c *Client) authenticateLocked(ctx context.Context, identityID, secret string) error {
	signer := identity.Identity{ID: identityID, Key: identity.Key{Type: identity.KeyTypeEd25519, Encoding: identity.KeyEncodingHex, Secret: secret}}

	path := "/authentication/prove-ownership/" + url.PathEscape(identityID)
	var nonce gateway.NonceResponse
	if err := c.do(ctx, "authenticate", "", http.MethodGet, c.endpoint(path, nil), nil, "", &nonce); err != nil {
		return c.asAuthError(identityID, err)
	}
	sig, err := signer.Sign([]byte(nonce.Nonce))
	if err != nil {
		return &ledger.AuthenticationError{IdentityID: identityID, Reason: err.Error()}
	}

	var tok gateway.TokenResponse
	body := gateway.ProveOwnershipRequest{SignedNonce: sig}
	if err := c.do(ctx, "authenticate", "", http.MethodPost, c.endpoint(path, nil), body, "", &tok); err != nil {
		return c.asAuthError(identityID, err)
	}

	expires, err := tokenExpiry(tok.JWT)
	if err != nil {
		return &ledger.AuthenticationError{IdentityID: identityID, Reason: err.Error()}
	}
	c.identityID, c.secret, c.token, c.expires = identityID, secret, tok.JWT, expires
	c.logger.DebugContext(ctx, "authenticated", "identity", identityID, "expires", expires)
	return nil
}

// asAuthError turns a 404 for the identity into an authentication failure.
func (c *Client) asAuthError(identityID string, err error) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return &ledger.AuthenticationError{IdentityID: identityID, Reason: "unknown identity"}
	}
	return withIdentity(identityID, err)
}

// withIdentity names the session identity in an authentication failure.
func withIdentity(identityID string, err error) error {
	var ae *ledger.AuthenticationError
	if errors.As(err, &ae) && ae.IdentityID == "" {
		ae.IdentityID = identityID
	}
	return err
}

// tokenExpiry reads exp without verifying the signature; the gateway is
// the only party that needs to trust the token.
func tokenExpiry(raw string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, fmt.Errorf("unreadable session token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("session token has no expiry")
	}
	return claims.ExpiresAt.Time, nil
}

// session returns a valid bearer token, renewing it when close to expiry.
func (c *Client) session(ctx context.Context) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return "", "", &ledger.AuthenticationError{Reason: "session is not authenticated"}
	}
	if c.clock().Add(refreshMargin).After(c.expires) {
		c.logger.DebugContext(ctx, "renewing session token", "identity", c.identityID)
		if err := c.authenticateLocked(ctx, c.identityID, c.secret); err != nil {
			return "", "", err
		}
	}
	return c.token, c.identityID, nil
}

// CreateChannel creates a channel owned by the session identity.
func (c *Client) CreateChannel(ctx context.Context, topics []ledger.Topic, visibility ledger.Visibility) (ledger.Channel, error) {
	vis, err := ledger.ParseVisibility(string(visibility))
	if err != nil {
		return ledger.Channel{}, err
	}
	token, author, err := c.session(ctx)
	if err != nil {
		return ledger.Channel{}, err
	}
	var resp gateway.CreateChannelResponse
	body := gateway.CreateChannelRequest{Topics: topics, Type: vis}
	if err := c.do(ctx, "create channel", "", http.MethodPost, c.endpoint("/channels/create", nil), body, token, &resp); err != nil {
		return ledger.Channel{}, withIdentity(author, err)
	}
	return ledger.Channel{
		Address:      resp.ChannelAddress,
		Author:       author,
		Topics:       append([]ledger.Topic(nil), topics...),
		Visibility:   vis,
		PresharedKey: resp.PresharedKey,
		Created:      c.clock().UTC(),
	}, nil
}

// Append appends msg to a channel owned by the session identity.
func (c *Client) Append(ctx context.Context, channelAddress string, msg proof.Message) (ledger.Entry, error) {
	token, author, err := c.session(ctx)
	if err != nil {
		return ledger.Entry{}, err
	}
	var entry ledger.Entry
	path := "/channels/logs/" + url.PathEscape(channelAddress)
	if err := c.do(ctx, "append", channelAddress, http.MethodPost, c.endpoint(path, nil), msg, token, &entry); err != nil {
		return ledger.Entry{}, withIdentity(author, err)
	}
	return entry, nil
}

type historyEntry struct {
	Position uint64          `json:"position"`
	Log      json.RawMessage `json:"log"`
}

// ReadHistory fetches a channel's history. Every log is validated against
// the proof message schema before it is returned.
func (c *Client) ReadHistory(ctx context.Context, channelAddress, accessKey string, visibility ledger.Visibility) ([]ledger.Entry, error) {
	q := url.Values{}
	if accessKey != "" {
		q.Set("preshared-key", accessKey)
	}
	if visibility != "" {
		q.Set("type", string(visibility))
	}
	var raw []historyEntry
	path := "/channels/history/" + url.PathEscape(channelAddress)
	if err := c.do(ctx, "read", channelAddress, http.MethodGet, c.endpoint(path, q), nil, "", &raw); err != nil {
		return nil, err
	}

	out := make([]ledger.Entry, 0, len(raw))
	for _, e := range raw {
		msg, err := proof.DecodeMessage(e.Log)
		if err != nil {
			return nil, fmt.Errorf("history of %s, position %d: %w", channelAddress, e.Position, err)
		}
		out = append(out, ledger.Entry{ChannelAddress: channelAddress, Position: e.Position, Message: msg})
	}
	return out, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	if c.apiKey != "" {
		if q == nil {
			q = url.Values{}
		}
		q.Set("api-key", c.apiKey)
	}
	u := c.baseURL + gateway.BasePath(c.apiVersion) + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, op, channel, method, target string, body any, token string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &ledger.TransportError{Op: op, Channel: channel, Err: err}
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ledger.TransportError{Op: op, Channel: channel, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return c.statusError(op, channel, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ledger.TransportError{Op: op, Channel: channel, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) statusError(op, channel string, resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiErr.Problem)
	detail := apiErr.Problem.Detail
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &ledger.AuthenticationError{Reason: detail}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %s", op, ledger.ErrNotFound, detail)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w: %s", op, ledger.ErrAlreadyExists, detail)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &ledger.TransportError{Op: op, Channel: channel, Err: apiErr}
	default:
		return apiErr
	}
}
