package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mindburn-Labs/auditrail/pkg/identity"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
	"github.com/Mindburn-Labs/auditrail/pkg/trail"
)

// runTrailCmd implements `auditrail trail create`.
func runTrailCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "create" {
		_, _ = fmt.Fprintln(stderr, "Usage: auditrail trail create [--visibility public|private] [--topics type:source,...] [--out FILE]")
		return 2
	}

	cmd := flag.NewFlagSet("trail create", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	identityFile := cmd.String("identity", "", "Identity file (default: identity_file from config)")
	out := cmd.String("out", "", "Where to write the trail descriptor (default: trail_file from config)")
	visibility := cmd.String("visibility", "", "Channel visibility: public or private (default from config)")
	topicsFlag := cmd.String("topics", "", "Channel topics as type:source pairs (default from config)")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	topics, err := parseTopics(*topicsFlag)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var vis ledger.Visibility
	if *visibility != "" {
		if vis, err = ledger.ParseVisibility(*visibility); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEnv(ctx, *configPath, stderr)
	if err != nil {
		return errorCode(stderr, err, 1)
	}
	defer e.close(ctx)

	ident, err := identity.Load(e.identityPath(*identityFile))
	if err != nil {
		return errorCode(stderr, err, 1)
	}
	tr, err := e.trails.Create(ctx, ident, topics, vis)
	if err != nil {
		return errorCode(stderr, err, 1)
	}

	path := e.trailPath(*out)
	if err := trail.SaveDescriptor(path, tr.Descriptor()); err != nil {
		return errorCode(stderr, err, 1)
	}
	_, _ = fmt.Fprintf(stdout, "Trail %s (%s) written to %s\n", tr.Address(), tr.Visibility(), path)
	return 0
}

// runCommitCmd implements `auditrail commit`. Events are committed one at
// a time in file order; the first failure stops the run.
func runCommitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("commit", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	identityFile := cmd.String("identity", "", "Identity file (default: identity_file from config)")
	trailFile := cmd.String("trail", "", "Trail descriptor (default: trail_file from config)")
	eventsPath := cmd.String("events", "", "JSON array or JSON Lines file of events, - for stdin (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *eventsPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --events is required")
		return 2
	}

	events, err := readEvents(*eventsPath, os.Stdin)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEnv(ctx, *configPath, stderr)
	if err != nil {
		return errorCode(stderr, err, 1)
	}
	defer e.close(ctx)

	tr, err := e.openTrail(ctx, *identityFile, *trailFile, true)
	if err != nil {
		return errorCode(stderr, err, 1)
	}

	for i, ev := range events {
		entry, err := tr.Commit(ctx, ev)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Committed %d of %d events.\n", i, len(events))
			return errorCode(stderr, fmt.Errorf("event %d: %w", i, err), 1)
		}
		_, _ = fmt.Fprintf(stdout, "%d\t%s\n", entry.Position, entry.Message.PublicPayload.ProofValue)
	}
	return 0
}

// runHistoryCmd implements `auditrail history`.
func runHistoryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("history", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	trailFile := cmd.String("trail", "", "Trail descriptor (default: trail_file from config)")
	jsonOutput := cmd.Bool("json", false, "Output the ledger messages as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEnv(ctx, *configPath, stderr)
	if err != nil {
		return errorCode(stderr, err, 1)
	}
	defer e.close(ctx)

	tr, err := e.openTrail(ctx, "", *trailFile, false)
	if err != nil {
		return errorCode(stderr, err, 1)
	}
	entries, err := tr.Entries(ctx)
	if err != nil {
		return errorCode(stderr, err, 1)
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(entries, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	for _, entry := range entries {
		_, _ = fmt.Fprintf(stdout, "%d\t%s\t%s\n",
			entry.Position, entry.Message.Created, proof.Digest(entry.Message.PublicPayload.ProofValue))
	}
	return 0
}
