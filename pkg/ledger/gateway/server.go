package gateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/auditrail/pkg/identity"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

const maxBodyBytes = 1 << 20

// Config configures a Server.
type Config struct {
	// APIVersion selects the route prefix. Defaults to APIVersion.
	APIVersion string
	// APIKey, when set, must be passed as the api-key query parameter.
	APIKey string
	// JWTSecret signs session tokens. A random secret is generated when
	// empty, which invalidates sessions across restarts.
	JWTSecret []byte
	TokenTTL  time.Duration
	// RPS and Burst bound requests per client IP. Zero RPS disables
	// limiting.
	RPS   float64
	Burst int
}

// Server serves a ledger.Local over HTTP.
type Server struct {
	local   *ledger.Local
	base    string
	apiKey  string
	tokens  *tokens
	nonces  *nonces
	limiter *RateLimiter
	logger  *slog.Logger
}

// New builds a Server.
func New(local *ledger.Local, cfg Config) (*Server, error) {
	logger := slog.Default().With("component", "gateway")
	secret := cfg.JWTSecret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		logger.Warn("no jwt secret configured; sessions will not survive a restart")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	s := &Server{
		local:  local,
		base:   BasePath(cfg.APIVersion),
		apiKey: cfg.APIKey,
		tokens: &tokens{secret: secret, ttl: ttl, clock: time.Now},
		nonces: newNonces(time.Now),
		logger: logger,
	}
	if cfg.RPS > 0 {
		s.limiter = NewRateLimiter(cfg.RPS, cfg.Burst)
	}
	return s, nil
}

// WithClock overrides clock for testing.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.tokens.clock = clock
	s.nonces.clock = clock
	if s.limiter != nil {
		s.limiter.clock = clock
	}
	return s
}

// Handler returns the HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("POST "+s.base+"/identities/create", s.handleCreateIdentity)
	api.HandleFunc("GET "+s.base+"/authentication/prove-ownership/{id}", s.handleNonce)
	api.HandleFunc("POST "+s.base+"/authentication/prove-ownership/{id}", s.handleProveOwnership)
	api.HandleFunc("POST "+s.base+"/channels/create", s.authenticated(s.handleCreateChannel))
	api.HandleFunc("POST "+s.base+"/channels/logs/{address}", s.authenticated(s.handleAppend))
	api.HandleFunc("GET "+s.base+"/channels/history/{address}", s.handleHistory)
	api.HandleFunc("GET "+s.base+"/channels/info/{address}", s.handleChannelInfo)
	mux.Handle(s.base+"/", s.requireAPIKey(api))

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return s.requestID(h)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr, "base", s.base)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown: %w", err)
		}
		return nil
	}
}

type identityKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("api-key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
			writeUnauthorized(w, r, "missing or invalid api-key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearer(r.Header.Get("Authorization"))
		if err != nil {
			writeUnauthorized(w, r, err.Error())
			return
		}
		id, err := s.tokens.validate(raw)
		if err != nil {
			writeUnauthorized(w, r, "invalid session token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	}
}

func sessionIdentity(r *http.Request) string {
	id, _ := r.Context().Value(identityKey{}).(string)
	return id
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Health{Status: "ok", APIVersion: APIVersion})
}

func (s *Server) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req CreateIdentityRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, r, err.Error())
		return
	}
	ident, err := s.local.Create(r.Context(), req.Username)
	if err != nil {
		writeLedgerError(w, r, s.logger, false, err)
		return
	}
	writeJSON(w, http.StatusCreated, ident)
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.local.Identity(r.Context(), id); err != nil {
		writeLedgerError(w, r, s.logger, false, err)
		return
	}
	writeJSON(w, http.StatusOK, NonceResponse{Nonce: s.nonces.issue(id)})
}

func (s *Server) handleProveOwnership(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ProveOwnershipRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	ident, err := s.local.Identity(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, s.logger, false, err)
		return
	}
	n, err := s.nonces.take(id)
	if err != nil {
		writeUnauthorized(w, r, err.Error())
		return
	}
	ok, err := identity.VerifySignature(ident.Key.Public, req.SignedNonce, []byte(n))
	if err != nil || !ok {
		s.logger.WarnContext(r.Context(), "ownership proof rejected", "identity", id)
		writeUnauthorized(w, r, "signature does not prove ownership")
		return
	}
	token, err := s.tokens.issue(id)
	if err != nil {
		writeInternal(w, r, s.logger, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{JWT: token})
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	ch, err := s.local.CreateChannelAs(r.Context(), sessionIdentity(r), req.Topics, req.Type)
	if err != nil {
		writeLedgerError(w, r, s.logger, true, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateChannelResponse{ChannelAddress: ch.Address, PresharedKey: ch.PresharedKey})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeBadRequest(w, r, "unreadable request body")
		return
	}
	msg, err := proof.DecodeMessage(raw)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	entry, err := s.local.AppendAs(r.Context(), sessionIdentity(r), r.PathValue("address"), msg)
	if err != nil {
		writeLedgerError(w, r, s.logger, true, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var vis ledger.Visibility
	if t := q.Get("type"); t != "" {
		v, err := ledger.ParseVisibility(t)
		if err != nil {
			writeBadRequest(w, r, err.Error())
			return
		}
		vis = v
	}
	entries, err := s.local.ReadHistory(r.Context(), r.PathValue("address"), q.Get("preshared-key"), vis)
	if err != nil {
		writeLedgerError(w, r, s.logger, false, err)
		return
	}
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryEntry{Position: e.Position, Log: e.Message})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChannelInfo(w http.ResponseWriter, r *http.Request) {
	ch, err := s.local.Channel(r.Context(), r.PathValue("address"))
	if err != nil {
		writeLedgerError(w, r, s.logger, false, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}
