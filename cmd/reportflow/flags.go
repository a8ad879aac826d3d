package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// kvFlag collects repeated key=value arguments.
type kvFlag map[string]string

func (f kvFlag) String() string {
	var parts []string
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f kvFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	f[k] = strings.TrimSpace(v)
	return nil
}

type commonFlags struct {
	configPath string
	json       bool
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", os.Getenv("REPORTFLOW_CONFIG"), "YAML configuration file")
	fs.BoolVar(&c.json, "json", false, "force JSON output")
	return fs, c
}

// splitReport takes a leading report name off args so flags may follow it.
func splitReport(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}
