package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mindburn-Labs/auditrail/pkg/ledger/gateway"
)

// startGateway is a variable to allow stubbing in tests.
var startGateway = func(ctx context.Context, srv *gateway.Server, addr string) error {
	return srv.ListenAndServe(ctx, addr)
}

// runServeCmd implements `auditrail serve`: it exposes the configured
// ledger store over the gateway API.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	listen := cmd.String("listen", "", "Listen address (default: gateway.listen from config)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEnv(ctx, *configPath, stderr)
	if err != nil {
		return errorCode(stderr, err, 1)
	}
	defer e.close(context.Background())

	if e.local == nil {
		_, _ = fmt.Fprintln(stderr, "Error: serve needs a local ledger driver (memory, sqlite, postgres or redis)")
		return 2
	}

	gc := e.cfg.Gateway
	srv, err := gateway.New(e.local, gateway.Config{
		APIVersion: gc.APIVersion,
		APIKey:     gc.APIKey,
		JWTSecret:  []byte(gc.JWTSecret),
		TokenTTL:   gc.TokenTTL,
		RPS:        gc.RateLimit,
		Burst:      gc.RateBurst,
	})
	if err != nil {
		return errorCode(stderr, err, 1)
	}

	addr := gc.Listen
	if *listen != "" {
		addr = *listen
	}
	_, _ = fmt.Fprintf(stdout, "Gateway serving %s on %s\n", gateway.BasePath(gc.APIVersion), addr)
	if err := startGateway(ctx, srv, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errorCode(stderr, err, 1)
	}
	return 0
}
