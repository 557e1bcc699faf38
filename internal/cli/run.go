package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/volleyhq/volley/internal/config"
	"github.com/volleyhq/volley/internal/engine"
	"github.com/volleyhq/volley/internal/logging"
	"github.com/volleyhq/volley/internal/output"
	"github.com/volleyhq/volley/internal/persist"
)

var runCmd = &cobra.Command{
	Use:   "run <config.yaml>",
	Short: "Execute a load test",
	Long: `Run a declared load test to completion. The test stops when every
load pattern finishes, or on Ctrl-C; either way the latency summary is
printed and the stats file (if requested) holds every sealed window.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTest(cmd, args[0])
	},
}

func init() {
	runCmd.Flags().String("stats", "", "write per-window stats to this JSON file")
	runCmd.Flags().Bool("watch", false, "apply load-pattern edits to the config file mid-run")
	runCmd.Flags().Bool("quiet", false, "suppress progress output")
	runCmd.Flags().Bool("no-color", false, "disable colored output")
	runCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	runCmd.Flags().Bool("log-json", false, "log as JSON instead of console lines")
	runCmd.Flags().Int("max-concurrent", 0, "admission gate ceiling across all endpoints")
}

func runTest(cmd *cobra.Command, path string) error {
	statsPath, _ := cmd.Flags().GetString("stats")
	watch, _ := cmd.Flags().GetBool("watch")
	quiet, _ := cmd.Flags().GetBool("quiet")
	noColor, _ := cmd.Flags().GetBool("no-color")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")

	log := logging.New(logging.Options{Level: logLevel, JSON: logJSON})
	defer log.Sync()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, engine.Options{
		Logger:        log,
		MaxConcurrent: maxConcurrent,
	})
	if err != nil {
		return err
	}
	if statsPath != "" {
		eng.SetSink(persist.NewWriter(statsPath, eng.RunID(), cfg.Name, log))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watch {
		updates := make(chan config.PatternUpdate, 1)
		go func() {
			if err := config.Watch(ctx, path, log, updates); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("config watch unavailable", zap.Error(err))
			}
		}()
		go func() {
			for u := range updates {
				eng.ApplyPatterns(u.Patterns)
			}
		}()
	}

	console := output.New(output.Config{
		TestName: cfg.Name,
		Quiet:    quiet,
		NoColor:  noColor,
	})
	console.PrintHeader(eng.RunID())

	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		reportProgress(ctx, eng, console)
	}()

	report, runErr := eng.Run(ctx)
	stop()
	<-progressDone

	console.PrintSummary(report)
	if runErr != nil {
		return fmt.Errorf("run %s aborted: %w", report.RunID, runErr)
	}
	return nil
}

// reportProgress samples the engine once a second for the live display.
func reportProgress(ctx context.Context, eng *engine.Engine, console *output.Console) {
	const interval = time.Second
	t := time.NewTicker(interval)
	defer t.Stop()

	start := time.Now()
	var prevRequests int64

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			agg := eng.Aggregator()
			if agg == nil {
				continue
			}
			totals := agg.TotalsSnapshot()
			prog := eng.LiveProgress(now)

			stats := &output.LiveStats{
				Elapsed:        now.Sub(start),
				TargetRate:     prog.TargetRate,
				ActualRPS:      float64(totals.Requests-prevRequests) / interval.Seconds(),
				TotalRequests:  totals.Requests,
				Errors:         totals.Failed,
				Misses:         prog.Misses,
				Skipped:        prog.Skipped,
				LatencyP95:     totals.Latency.P95,
				LatencyAvg:     totals.Latency.Mean,
				AdmissionSlots: prog.AdmissionSlots,
				Throttled:      prog.Throttled,
			}
			if totals.Requests > 0 {
				stats.ErrorRate = float64(totals.Failed) / float64(totals.Requests)
			}
			prevRequests = totals.Requests
			console.Update(stats)
		}
	}
}
