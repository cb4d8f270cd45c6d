package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/logger"
	"github.com/kubilitics/kubilitics-anomaly/internal/server"
)

// Package cli implements the anomalyd command tree:
//
//	serve    run the HTTP API
//	analyze  run one analysis and print the narrative
//	probe    report provider availability
//	ingest   load a CSV metrics export into the store
//	watch    print analysis events from NATS

type app struct {
	configPath string
	logLevel   string
	stdout     io.Writer
	stderr     io.Writer
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "anomalyd",
		Short:         "Server metric anomaly analysis",
		Long:          "anomalyd classifies server metrics, flags statistical outliers and explains them with the first available inference provider, falling back to a rule-based narrative.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultConfigPath, "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(
		newServeCmd(a),
		newAnalyzeCmd(a),
		newProbeCmd(a),
		newIngestCmd(a),
		newWatchCmd(a),
	)
	return cmd
}

// load reads and validates the configuration and builds the logger.
func (a *app) load(ctx context.Context) (config.ConfigManager, *config.Config, *logger.Logger, error) {
	mgr, cfg, err := config.Load(ctx, a.configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	log, err := logger.New(server.LoggerConfig(cfg))
	if err != nil {
		return nil, nil, nil, err
	}
	return mgr, cfg, log, nil
}

// components wires a server without starting the HTTP listener, for the
// one-shot commands. The caller must Close it.
func (a *app) components(ctx context.Context) (*server.Server, error) {
	_, cfg, log, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	srv, err := server.NewServer(cfg, log)
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return srv, nil
}
