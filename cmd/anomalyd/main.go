package main

// Package main is the entry point for anomalyd.
//
// Commands:
//   - serve: HTTP API (health, metrics ingestion, analysis, provider status)
//   - analyze: one-shot analysis of a server over a window
//   - probe: provider availability
//   - ingest: CSV metrics export into the store
//   - watch: analysis events from NATS
//
// Configuration precedence: ANOMALYD_* environment variables, then the
// --config YAML file, then built-in defaults.

import (
	"fmt"
	"os"

	"github.com/kubilitics/kubilitics-anomaly/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
