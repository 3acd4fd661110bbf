package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/tracesweep-io/tracesweep/internal/evidence"
	"github.com/tracesweep-io/tracesweep/internal/metrics"
	"github.com/tracesweep-io/tracesweep/internal/notify"
	"github.com/tracesweep-io/tracesweep/internal/session"
	"github.com/tracesweep-io/tracesweep/pkg/shared"
	"github.com/tracesweep-io/tracesweep/pkg/shared/artifacts"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
	"github.com/tracesweep-io/tracesweep/pkg/shared/files"
)

// RunOptionsSweep holds the arguments for the sweep command.
type RunOptionsSweep struct {
	Layers       []string      `json:"layers,omitempty"`
	Workers      int           `json:"workers,omitempty"`
	MaxResults   int           `json:"max_results,omitempty"`
	LayerTimeout time.Duration `json:"layer_timeout,omitempty"`
	Catalog      string        `json:"catalog,omitempty"`
	OutputPath   string        `json:"output_path,omitempty"`
	NoNotify     bool          `json:"no_notify,omitempty"`
}

// Global variables for configuration and command arguments
var (
	AppConfig    *config.Config
	logger       hclog.Logger
	sweepOptions RunOptionsSweep

	exampleSweepUsage = `  # Sweep every enabled layer with the settings from config.yml
  tracesweep sweep

  # Sweep only the network and process layers with 2 concurrent workers
  tracesweep sweep --layers network,process -j 2

  # Sweep with a custom indicator catalog and keep the report in a file
  tracesweep sweep --catalog /path/to/indicators.yml --output /path/to/report.json

  # Sweep with a shorter per-layer timeout and without publishing the summary
  tracesweep sweep --layer-timeout 30s --no-notify`
)

// SweepCmd represents the sweep command.
var SweepCmd = &cobra.Command{
	Use:                   "sweep [--layers/-l LAYER,...] [-j WORKERS] [--max-results N] [--layer-timeout DURATION] [--catalog PATH] [--output/-o PATH] [--no-notify]",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               exampleSweepUsage,
	Short:                 "Run one forensic sweep session over the enabled layers",
	RunE:                  runSweepCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runSweepCommand(cmd *cobra.Command, args []string) error {
	if err := validateSweepArgs(&sweepOptions, args); err != nil {
		logger.Error("invalid sweep arguments", "error", err)
		return errors.NewCommandError(sweepOptions, fmt.Errorf("invalid sweep arguments: %w", err), 1)
	}

	cfg, err := applyOptions(AppConfig, &sweepOptions)
	if err != nil {
		logger.Error("invalid sweep configuration", "error", err)
		return errors.NewCommandError(sweepOptions, err, 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewSession()
	store, err := evidence.Open(ctx, cfg.Storage, logger.Named("evidence"), evidence.WithRetryObserver(m.StorageRetry))
	if err != nil {
		logger.Error("failed to open evidence store", "error", err)
		return errors.NewCommandError(sweepOptions, fmt.Errorf("failed to open evidence store: %w", err), exitCode(err))
	}
	defer store.Close()

	o, err := session.New(session.Options{
		Config:  cfg,
		Store:   store,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to prepare session", "error", err)
		return errors.NewCommandError(sweepOptions, fmt.Errorf("failed to prepare session: %w", err), 1)
	}

	report, runErr := o.Run(ctx)
	stop()

	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Error("failed to write metrics textfile", "error", err)
		}
	}
	if !sweepOptions.NoNotify {
		publishReport(cfg, report)
	}
	if _, err := artifacts.SaveArtifactJSON(cfg, logger, "sweep", fmt.Sprintf("session-%d", report.Session.ID), report); err != nil {
		logger.Error("failed to write artifact", "error", err)
	}
	if sweepOptions.OutputPath != "" {
		if err := writeReport(sweepOptions.OutputPath, report); err != nil {
			logger.Error("failed to write result", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("sweep command failed", "error", runErr)
		code := 2
		if report.State == session.StateAborted && errors.IsFatal(runErr) {
			code = 3
		}
		return errors.NewCommandError(report, fmt.Errorf("sweep command failed: %w", runErr), code)
	}
	if err := shared.PrintResultAsJSON(report); err != nil {
		logger.Error("error serializing JSON result", "error", err)
	}
	if report.Cancelled {
		logger.Warn("sweep cancelled before every layer finished", "session_id", report.Session.ID)
		return errors.NewCommandError(report, fmt.Errorf("sweep cancelled"), 3)
	}

	logger.Info("sweep command completed successfully", "session_id", report.Session.ID,
		"findings", report.Findings, "iocs", len(report.IOCs), "degraded", len(report.Degraded))
	return nil
}

// publishReport announces the closed session. Failures are logged and never fail the sweep.
func publishReport(cfg *config.Config, report session.Report) {
	publisher, err := notify.New(cfg.Notify, logger.Named("notify"))
	if err != nil {
		logger.Error("failed to connect notification broker", "error", err)
		return
	}
	defer publisher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Notify.Timeout)
	defer cancel()
	if err := publisher.Publish(ctx, report); err != nil {
		logger.Error("failed to publish session report", "error", err)
	}
}

// writeReport saves the report to path. A folder path gets a session-<id>.json file.
func writeReport(path string, report session.Report) error {
	fullPath, folder, err := files.DetermineFileFullPath(path, fmt.Sprintf("session-%d.json", report.Session.ID))
	if err != nil {
		return err
	}
	if err := files.CreateFolderIfNotExists(folder); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("error serializing report: %w", err)
	}
	return files.WriteJsonFile(fullPath, data)
}

// exitCode maps a store error to the command exit code.
func exitCode(err error) int {
	if errors.KindOf(err) == errors.KindConfigInvalid {
		return 1
	}
	return 2
}

func init() {
	SweepCmd.Flags().StringSliceVarP(&sweepOptions.Layers, "layers", "l", nil, "Comma-separated layers to sweep (surface, deletion, process, network, memory, registry).")
	SweepCmd.Flags().IntVarP(&sweepOptions.Workers, "workers", "j", 0, "Number of layers probed concurrently.")
	SweepCmd.Flags().IntVar(&sweepOptions.MaxResults, "max-results", 0, "Maximum number of observations kept per layer.")
	SweepCmd.Flags().DurationVar(&sweepOptions.LayerTimeout, "layer-timeout", 0, "Time budget of each layer probe.")
	SweepCmd.Flags().StringVar(&sweepOptions.Catalog, "catalog", "", "Path to an indicator catalog that overrides the built-in indicators.")
	SweepCmd.Flags().StringVarP(&sweepOptions.OutputPath, "output", "o", "", "Path to a file where the session report will be saved.")
	SweepCmd.Flags().BoolVar(&sweepOptions.NoNotify, "no-notify", false, "Do not publish the session report to the notification broker.")
	SweepCmd.Flags().BoolP("help", "h", false, "Show help for the sweep command.")
}
