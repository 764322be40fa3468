package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/auditrail/pkg/export"
)

// runExportCmd implements `auditrail export`: it snapshots the trail's
// history into a bundle and stores it in the configured sink, or in --out.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	trailFile := cmd.String("trail", "", "Trail descriptor (default: trail_file from config)")
	out := cmd.String("out", "", "Write the bundle to this file instead of the export sink")
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
	b, err := export.FromTrail(ctx, tr, time.Now())
	if err != nil {
		return errorCode(stderr, err, 1)
	}

	var location string
	if *out != "" {
		data, encErr := b.Encode()
		if encErr != nil {
			return errorCode(stderr, encErr, 1)
		}
		if err := os.WriteFile(*out, data, 0o600); err != nil {
			return errorCode(stderr, err, 1)
		}
		location = *out
	} else {
		sink, sinkErr := export.NewSink(ctx, e.cfg.Export)
		if sinkErr != nil {
			return errorCode(stderr, sinkErr, 1)
		}
		location, err = export.Write(ctx, sink, b)
		if err != nil {
			return errorCode(stderr, err, 1)
		}
	}

	e.logger.Info("bundle exported", "channel", b.Channel, "entries", len(b.Entries), "location", location)
	_, _ = fmt.Fprintf(stdout, "Exported %d proofs to %s\n", len(b.Entries), location)
	_, _ = fmt.Fprintf(stdout, "Bundle digest: %s\n", b.Digest)
	return 0
}
