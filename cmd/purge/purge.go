package purge

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

// RunOptionsPurge holds the arguments for the purge command.
type RunOptionsPurge struct {
	OlderThan time.Duration `json:"older_than"`
}

// Global variables for configuration and command arguments
var (
	AppConfig    *config.Config
	logger       hclog.Logger
	purgeOptions RunOptionsPurge

	examplePurgeUsage = `  # Remove findings older than 30 days that no open session still uses
  tracesweep purge --older-than 720h`
)

// PurgeCmd represents the purge command.
var PurgeCmd = &cobra.Command{
	Use:                   "purge --older-than DURATION",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               examplePurgeUsage,
	Short:                 "Remove old findings while keeping IOC references intact",
	RunE:                  runPurgeCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runPurgeCommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !shared.HasFlags(cmd.Flags()) {
		return cmd.Help()
	}
	if err := validatePurgeArgs(&purgeOptions, args); err != nil {
		logger.Error("invalid purge arguments", "error", err)
		return errors.NewCommandError(purgeOptions, fmt.Errorf("invalid purge arguments: %w", err), 1)
	}

	ctx := context.Background()
	store, err := evidence.Open(ctx, AppConfig.Storage, logger.Named("evidence"))
	if err != nil {
		logger.Error("failed to open evidence store", "error", err)
		return errors.NewCommandError(purgeOptions, fmt.Errorf("failed to open evidence store: %w", err), 2)
	}
	defer store.Close()

	cutoff := time.Now().Add(-purgeOptions.OlderThan)
	result, err := store.Purge(ctx, cutoff)
	if err != nil {
		logger.Error("purge command failed", "error", err)
		return errors.NewCommandError(purgeOptions, fmt.Errorf("purge command failed: %w", err), 2)
	}
	if err := shared.PrintResultAsJSON(result); err != nil {
		logger.Error("error serializing JSON result", "error", err)
	}
	logger.Info("purge command completed successfully", "cutoff", cutoff.UTC().Format(time.RFC3339))
	return nil
}

// validatePurgeArgs validates the arguments provided to the purge command.
func validatePurgeArgs(options *RunOptionsPurge, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("the purge command takes no positional arguments")
	}
	if options.OlderThan <= 0 {
		return fmt.Errorf("the 'older-than' flag must be a positive duration")
	}
	return nil
}

func init() {
	PurgeCmd.Flags().DurationVar(&purgeOptions.OlderThan, "older-than", 0, "Remove findings observed before now minus this duration.")
	PurgeCmd.Flags().BoolP("help", "h", false, "Show help for the purge command.")
}
