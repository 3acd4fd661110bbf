package findings

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/tracesweep-io/tracesweep/internal/evidence"
	"github.com/tracesweep-io/tracesweep/pkg/shared"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
)

// RunOptionsFindings holds the arguments for the findings command.
type RunOptionsFindings struct {
	SessionID int64         `json:"session_id,omitempty"`
	Layer     string        `json:"layer,omitempty"`
	MinThreat string        `json:"min_threat,omitempty"`
	Since     time.Duration `json:"since,omitempty"`
	Limit     int           `json:"limit,omitempty"`
}

// Global variables for configuration and command arguments
var (
	AppConfig       *config.Config
	logger          hclog.Logger
	findingsOptions RunOptionsFindings

	exampleFindingsUsage = `  # List the findings of a session
  tracesweep findings --session 12

  # List HIGH and CRITICAL network findings of the last day
  tracesweep findings --layer network --min-threat high --since 24h

  # List the 20 newest findings across every session
  tracesweep findings --limit 20`
)

// FindingsCmd represents the findings command.
var FindingsCmd = &cobra.Command{
	Use:                   "findings [--session ID] [--layer LAYER] [--min-threat LEVEL] [--since DURATION] [--limit N]",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               exampleFindingsUsage,
	Short:                 "Query persisted findings, newest first",
	RunE:                  runFindingsCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runFindingsCommand(cmd *cobra.Command, args []string) error {
	filter, err := validateFindingsArgs(&findingsOptions, args, time.Now())
	if err != nil {
		logger.Error("invalid findings arguments", "error", err)
		return errors.NewCommandError(findingsOptions, fmt.Errorf("invalid findings arguments: %w", err), 1)
	}

	ctx := context.Background()
	store, err := evidence.Open(ctx, AppConfig.Storage, logger.Named("evidence"))
	if err != nil {
		logger.Error("failed to open evidence store", "error", err)
		return errors.NewCommandError(findingsOptions, fmt.Errorf("failed to open evidence store: %w", err), 2)
	}
	defer store.Close()

	result, err := store.QueryFindings(ctx, filter)
	if err != nil {
		logger.Error("findings command failed", "error", err)
		return errors.NewCommandError(findingsOptions, fmt.Errorf("findings command failed: %w", err), 2)
	}
	if err := shared.PrintResultAsJSON(result); err != nil {
		logger.Error("error serializing JSON result", "error", err)
	}
	logger.Debug("findings command completed successfully", "findings", len(result))
	return nil
}

func init() {
	FindingsCmd.Flags().Int64Var(&findingsOptions.SessionID, "session", 0, "Only findings of the given session id.")
	FindingsCmd.Flags().StringVarP(&findingsOptions.Layer, "layer", "l", "", "Only findings of the given layer.")
	FindingsCmd.Flags().StringVar(&findingsOptions.MinThreat, "min-threat", "", "Minimum threat level (LOW, MEDIUM, HIGH, CRITICAL).")
	FindingsCmd.Flags().DurationVar(&findingsOptions.Since, "since", 0, "Only findings observed within the given duration.")
	FindingsCmd.Flags().IntVar(&findingsOptions.Limit, "limit", 0, "Maximum number of findings to return.")
	FindingsCmd.Flags().BoolP("help", "h", false, "Show help for the findings command.")
}
