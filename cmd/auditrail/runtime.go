package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/auditrail/pkg/config"
	"github.com/Mindburn-Labs/auditrail/pkg/identity"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger/client"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger/memstore"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger/redisstore"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger/sqlstore"
	"github.com/Mindburn-Labs/auditrail/pkg/observability"
	"github.com/Mindburn-Labs/auditrail/pkg/trail"
)

// env is what every command needs: configuration, a ledger, and the trail
// service over it.
type env struct {
	cfg        *config.Config
	identities ledger.IdentityProvider
	channels   ledger.ChannelService
	// local is nil when the ledger is a remote gateway.
	local     *ledger.Local
	trails    *trail.Service
	telemetry *observability.Provider
	closers   []func() error
	logger    *slog.Logger
}

// configFlag registers the flag shared by every command.
func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Path to a YAML config file (default $AUDITRAIL_CONFIG)")
}

func newEnv(ctx context.Context, configPath string, stderr io.Writer) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	e := &env{cfg: cfg, logger: logger}

	e.telemetry, err = observability.New(ctx, observability.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, err
	}

	if err := e.openLedger(ctx); err != nil {
		e.close(ctx)
		return nil, err
	}

	e.trails, err = trail.NewFromConfig(cfg, e.channels)
	if err != nil {
		e.close(ctx)
		return nil, err
	}
	return e, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func (e *env) openLedger(ctx context.Context) error {
	lc := e.cfg.Ledger
	var store ledger.Store

	switch lc.Driver {
	case config.DriverMemory:
		store = memstore.New()
	case config.DriverSQLite, config.DriverPostgres:
		s, err := sqlstore.Open(ctx, lc.Driver, lc.DSN)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, s.Close)
		store = s
	case config.DriverRedis:
		s := redisstore.New(lc.Redis.Addr, lc.Redis.Password, lc.Redis.DB, lc.Redis.Prefix)
		e.closers = append(e.closers, s.Close)
		if err := s.Ping(ctx); err != nil {
			return err
		}
		store = s
	case config.DriverHTTP:
		opts := []client.Option{client.WithAPIKey(lc.HTTP.APIKey)}
		if lc.HTTP.APIVersion != "" {
			opts = append(opts, client.WithAPIVersion(lc.HTTP.APIVersion))
		}
		if lc.HTTP.Timeout > 0 {
			opts = append(opts, client.WithTimeout(lc.HTTP.Timeout))
		}
		if rps := lc.HTTP.RequestsPerSecond; rps > 0 {
			opts = append(opts, client.WithRateLimit(rps, max(1, int(rps))))
		}
		c, err := client.New(lc.HTTP.URL, opts...)
		if err != nil {
			return err
		}
		e.identities, e.channels = c, c
		return nil
	default:
		return fmt.Errorf("unsupported ledger driver: %s", lc.Driver)
	}

	e.local = ledger.NewLocal(store)
	e.identities, e.channels = e.local, e.local
	return nil
}

func (e *env) close(ctx context.Context) {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("close failed", "error", err)
		}
	}
	e.closers = nil
	if e.telemetry != nil {
		_ = e.telemetry.Shutdown(ctx)
	}
}

func (e *env) identityPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return e.cfg.IdentityFile
}

func (e *env) trailPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return e.cfg.TrailFile
}

// openTrail loads the identity and trail descriptor, authenticates when
// write is set, and binds the trail.
func (e *env) openTrail(ctx context.Context, identityFile, trailFile string, write bool) (*trail.Trail, error) {
	d, err := trail.LoadDescriptor(e.trailPath(trailFile))
	if err != nil {
		return nil, err
	}
	if write {
		ident, err := identity.Load(e.identityPath(identityFile))
		if err != nil {
			return nil, err
		}
		if ident.ID != d.IdentityID {
			return nil, fmt.Errorf("identity %s does not own trail %s", ident.ID, d.ChannelAddress)
		}
		if err := e.trails.Authenticate(ctx, ident); err != nil {
			return nil, err
		}
	}
	return e.trails.OpenDescriptor(d)
}

// parseTopics reads "type:source" pairs separated by commas.
func parseTopics(s string) ([]ledger.Topic, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var topics []ledger.Topic
	for _, part := range strings.Split(s, ",") {
		typ, source, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || typ == "" || source == "" {
			return nil, fmt.Errorf("topic %q: want type:source", part)
		}
		topics = append(topics, ledger.Topic{Type: typ, Source: source})
	}
	return topics, nil
}

// errorCode reports a command failure and returns its exit code.
func errorCode(stderr io.Writer, err error, code int) int {
	var authErr *ledger.AuthenticationError
	switch {
	case errors.As(err, &authErr):
		_, _ = fmt.Fprintf(stderr, "Error: authentication failed: %v\n", err)
	case ledger.IsRetryable(err):
		_, _ = fmt.Fprintf(stderr, "Error: ledger unavailable (safe to retry after verify): %v\n", err)
	default:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}
