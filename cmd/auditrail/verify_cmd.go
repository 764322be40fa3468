package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mindburn-Labs/auditrail/pkg/config"
	"github.com/Mindburn-Labs/auditrail/pkg/export"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
	"github.com/Mindburn-Labs/auditrail/pkg/verifier"
)

// verifyReport is the --json output of verify.
type verifyReport struct {
	Source        string `json:"source"`
	OK            bool   `json:"ok"`
	MismatchIndex *int   `json:"mismatchIndex,omitempty"`
	Checked       int    `json:"checked"`
	Claimed       int    `json:"claimed"`
	Recorded      int    `json:"recorded,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// runVerifyCmd implements `auditrail verify`.
//
// Replays the claimed events against the live trail, or against an
// exported bundle with --bundle (no ledger access needed).
//
// Exit codes:
//
//	0 = every event matches its recorded proof
//	1 = verification failed (mismatch, count mismatch, tampered bundle)
//	2 = usage or runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	trailFile := cmd.String("trail", "", "Trail descriptor (default: trail_file from config)")
	eventsPath := cmd.String("events", "", "JSON array or JSON Lines file of claimed events, - for stdin (REQUIRED)")
	bundle := cmd.String("bundle", "", "Verify against an exported bundle: a file path or a name in the export sink")
	jsonOutput := cmd.Bool("json", false, "Output the result as JSON")
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

	report := verifyReport{Claimed: len(events)}
	var res verifier.Result
	if *bundle != "" {
		report.Source = *bundle
		res, err = verifyBundle(ctx, *configPath, *bundle, events)
	} else {
		var e *env
		e, err = newEnv(ctx, *configPath, stderr)
		if err != nil {
			return errorCode(stderr, err, 2)
		}
		defer e.close(ctx)

		tr, openErr := e.openTrail(ctx, "", *trailFile, false)
		if openErr != nil {
			return errorCode(stderr, openErr, 2)
		}
		report.Source = tr.Address()
		res, err = tr.Verify(ctx, events)
	}

	var lengthErr *verifier.LengthMismatchError
	switch {
	case errors.As(err, &lengthErr):
		report.Recorded = lengthErr.Recorded
		report.Reason = err.Error()
	case errors.Is(err, export.ErrTampered), errors.Is(err, proof.ErrMalformedProof):
		report.Reason = err.Error()
	case err != nil:
		return errorCode(stderr, err, 2)
	default:
		report.OK = res.OK
		report.MismatchIndex = res.MismatchIndex
		report.Checked = res.Checked
		report.Recorded = len(events)
		if !res.OK {
			report.Reason = res.Summary()
		}
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.OK {
		_, _ = fmt.Fprintf(stdout, "PASS: %d/%d proofs match (%s)\n", report.Checked, report.Claimed, report.Source)
	} else {
		_, _ = fmt.Fprintf(stdout, "FAIL: %s (%s)\n", report.Reason, report.Source)
	}

	if !report.OK {
		return 1
	}
	return 0
}

// verifyBundle reads the bundle from disk when ref names a file, otherwise
// from the configured export sink.
func verifyBundle(ctx context.Context, configPath, ref string, events []proof.Event) (verifier.Result, error) {
	var (
		b   export.Bundle
		err error
	)
	if data, readErr := os.ReadFile(ref); readErr == nil {
		b, err = export.Parse(data)
	} else {
		cfg, cfgErr := config.Load(configPath)
		if cfgErr != nil {
			return verifier.Result{}, cfgErr
		}
		sink, sinkErr := export.NewSink(ctx, cfg.Export)
		if sinkErr != nil {
			return verifier.Result{}, sinkErr
		}
		b, err = export.Fetch(ctx, sink, ref)
	}
	if err != nil {
		return verifier.Result{}, err
	}
	return b.Verify(events)
}
