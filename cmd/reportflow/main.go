package main

import (
	"fmt"
	"io"
	"os"
)

// version is stamped at release time via ldflags.
var version = "0.0.0-dev"

const (
	exitOK           = 0
	exitError        = 1
	exitInvalidInput = 2
	exitAuth         = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return exitInvalidInput
	}
	switch args[0] {
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "direct":
		return runDirect(args[1:], stdout, stderr)
	case "probe":
		return runProbe(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "reports":
		return runReports(args[1:], stdout, stderr)
	case "version", "--version", "-v":
		_, _ = fmt.Fprintln(stdout, "reportflow", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return exitInvalidInput
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `usage: reportflow <command> [flags]

commands:
  export <report> [-p key=value]...   run an export job and print the table
  direct <report> [-p key=value]...   run a direct collection query
  reports                             list known reports
  probe                               check the account's access level
  token                               refresh the session and show its claims
  version                             print the version

common flags:
  -config path   YAML configuration file (default $REPORTFLOW_CONFIG)
  -json          force JSON output (default when stdout is not a terminal)
`)
}
