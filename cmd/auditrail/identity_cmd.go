package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mindburn-Labs/auditrail/pkg/identity"
)

// runIdentityCmd implements `auditrail identity create`.
func runIdentityCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "create" {
		_, _ = fmt.Fprintln(stderr, "Usage: auditrail identity create [--username NAME] [--out FILE]")
		return 2
	}

	cmd := flag.NewFlagSet("identity create", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	username := cmd.String("username", "", "Username for the identity (random when empty)")
	out := cmd.String("out", "", "Where to write the identity (default: identity_file from config)")
	force := cmd.Bool("force", false, "Overwrite an existing identity file")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEnv(ctx, *configPath, stderr)
	if err != nil {
		return errorCode(stderr, err, 1)
	}
	defer e.close(ctx)

	path := e.identityPath(*out)
	if _, err := os.Stat(path); err == nil && !*force {
		_, _ = fmt.Fprintf(stderr, "Error: %s already exists (use --force to replace it)\n", path)
		return 1
	}

	ident, err := e.identities.Create(ctx, *username)
	if err != nil {
		return errorCode(stderr, err, 1)
	}
	if err := identity.Save(path, ident); err != nil {
		return errorCode(stderr, err, 1)
	}

	_, _ = fmt.Fprintf(stdout, "Identity %s (%s) written to %s\n", ident.ID, ident.Username, path)
	return 0
}
