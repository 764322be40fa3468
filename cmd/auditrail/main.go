package main

import (
	"fmt"
	"io"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = verification failed, or the command failed at runtime
//	2 = usage error (verify also uses 2 for runtime errors)
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "identity":
		return runIdentityCmd(args[2:], stdout, stderr)
	case "trail":
		return runTrailCmd(args[2:], stdout, stderr)
	case "commit":
		return runCommitCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "history":
		return runHistoryCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "auditrail %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "auditrail: tamper-evident audit trails on an append-only ledger")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  auditrail <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "SETUP")
	printCommand(w, "identity", "Create an identity (identity create --username)")
	printCommand(w, "trail", "Create a trail for the identity (trail create)")

	printSection(w, "PROOFS")
	printCommand(w, "commit", "Commit events as proofs (--events)")
	printCommand(w, "verify", "Verify events against the trail (--events, --bundle)")
	printCommand(w, "history", "List the trail's proofs")
	printCommand(w, "export", "Export the trail as a verifiable bundle")

	printSection(w, "LEDGER")
	printCommand(w, "serve", "Run the ledger gateway")
	printCommand(w, "demo", "Run the buyer-trail scenario end to end")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Every command accepts --config (or AUDITRAIL_CONFIG).")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
