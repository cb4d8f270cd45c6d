package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/events"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
	"github.com/kubilitics/kubilitics-anomaly/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mgr, cfg, log, err := a.load(ctx)
			if err != nil {
				return err
			}
			defer log.Close()

			srv, err := server.NewServer(cfg, log)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			srv.FollowConfig(mgr.Watch(ctx))

			if err := srv.Start(); err != nil {
				srv.Close()
				return fmt.Errorf("start server: %w", err)
			}

			<-ctx.Done()
			log.Info("Received shutdown signal")
			return srv.Stop()
		},
	}
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var (
		serverID string
		start    string
		end      string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze one server over a time window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := parseWindowFlags(start, end, time.Now().UTC())
			if err != nil {
				return err
			}

			srv, err := a.components(cmd.Context())
			if err != nil {
				return err
			}
			defer closeComponents(srv)

			report, err := srv.GetService().AnalyzeDetailed(cmd.Context(), serverID, window)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(a, serverID, window, report.Result, report.Outliers, report.CacheHit)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverID, "server", "", "server (vm) identifier")
	cmd.Flags().StringVar(&start, "start", "", "window start, RFC 3339 (default: 24h before end)")
	cmd.Flags().StringVar(&end, "end", "", "window end, RFC 3339 (default: now)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

func printReport(a *app, serverID string, window models.Window, result *models.AnalysisResult, outliers int, cacheHit bool) {
	fmt.Fprintf(a.stdout, "Server:    %s\n", serverID)
	fmt.Fprintf(a.stdout, "Window:    %s\n", window)
	fmt.Fprintf(a.stdout, "Provider:  %s\n", result.Provider)
	fmt.Fprintf(a.stdout, "Outliers:  %d\n", outliers)
	if cacheHit {
		fmt.Fprintf(a.stdout, "Cached:    yes (generated %s)\n", result.GeneratedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(a.stdout, "\n%s\n", result.Narrative)
}

func parseWindowFlags(start, end string, now time.Time) (models.Window, error) {
	w := models.Window{End: now}
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return models.Window{}, fmt.Errorf("invalid --end: %w", err)
		}
		w.End = t.UTC()
	}
	w.Start = w.End.Add(-24 * time.Hour)
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return models.Window{}, fmt.Errorf("invalid --start: %w", err)
		}
		w.Start = t.UTC()
	}
	if err := w.Validate(); err != nil {
		return models.Window{}, err
	}
	return w, nil
}

func newProbeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Report the availability of every configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := a.components(cmd.Context())
			if err != nil {
				return err
			}
			defer closeComponents(srv)

			orch := srv.GetOrchestrator()
			attempts := orch.Probe(cmd.Context())
			if len(attempts) == 0 {
				fmt.Fprintln(a.stdout, "No providers configured; analyses use the rule-based narrative.")
				return nil
			}
			fmt.Fprintf(a.stdout, "%-20s %-9s %-10s %s\n", "PROVIDER", "PRIORITY", "AVAILABLE", "ELAPSED")
			for _, att := range attempts {
				priority := ""
				if d, ok := orch.Registry().Lookup(att.Provider); ok {
					priority = fmt.Sprint(d.Priority)
				}
				avail := "no"
				if att.Available {
					avail = "yes"
				}
				fmt.Fprintf(a.stdout, "%-20s %-9s %-10s %dms\n", att.Provider, priority, avail, att.ElapsedMS)
			}
			return nil
		},
	}
}

func newIngestCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load a CSV metrics export (vm,date,metric,max_value,min_value,avg_value)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open %s: %w", file, err)
			}
			defer f.Close()

			rows, err := db.ReadCSV(f)
			if err != nil {
				return err
			}

			srv, err := a.components(cmd.Context())
			if err != nil {
				return err
			}
			defer closeComponents(srv)

			n, err := srv.GetService().Ingest(cmd.Context(), rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Ingested %d rows from %s\n", n, file)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV file to ingest")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print analysis events published on NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, cfg, log, err := a.load(ctx)
			if err != nil {
				return err
			}
			defer log.Close()
			if cfg.Events.NATSURL == "" {
				return fmt.Errorf("events.nats_url is not configured")
			}
			if subject == "" {
				subject = cfg.Events.Subject
			}

			sub, err := events.NewSubscriber(cfg.Events.NATSURL)
			if err != nil {
				return err
			}
			defer sub.Close()

			_, err = sub.Subscribe(subject, func(evt events.AnalysisEvent) {
				fmt.Fprintln(a.stdout, formatEvent(evt))
			}, func(err error) {
				log.Warn("Dropping undecodable event", zap.Error(err))
			})
			if err != nil {
				return err
			}
			log.Info("Watching analysis events", zap.String("subject", subject))

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "NATS subject (default: events.subject)")
	return cmd
}

func formatEvent(evt events.AnalysisEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s outliers=%d provider=%s",
		evt.GeneratedAt.UTC().Format(time.RFC3339), evt.ServerID, evt.Outliers, evt.Provider)
	if len(evt.HighBands) > 0 {
		fmt.Fprintf(&b, " high=%s", strings.Join(evt.HighBands, ","))
	}
	if len(evt.LowBands) > 0 {
		fmt.Fprintf(&b, " low=%s", strings.Join(evt.LowBands, ","))
	}
	return b.String()
}

func closeComponents(srv *server.Server) {
	srv.Close()
	_ = srv.GetLogger().Close()
}

// Execute runs the root command with a background context.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}
