package iocs

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/tracesweep-io/tracesweep/internal/evidence"
	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
)

// RunOptionsIOCs holds the arguments for the iocs command.
type RunOptionsIOCs struct {
	Type          string  `json:"type,omitempty"`
	SessionID     int64   `json:"session_id,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
	Limit         int     `json:"limit,omitempty"`
	Contributions bool    `json:"contributions,omitempty"`
}

// IOCResult is one IOC with, on request, the findings it was aggregated from.
type IOCResult struct {
	findings.IOC
	Contributions []findings.Contribution `json:"contributions,omitempty"`
}

// Global variables for configuration and command arguments
var (
	AppConfig   *config.Config
	logger      hclog.Logger
	iocsOptions RunOptionsIOCs

	exampleIOCsUsage = `  # List every IOC, most recently seen first
  tracesweep iocs

  # List network endpoints with a confidence of at least 0.7
  tracesweep iocs --type network_endpoint --min-confidence 0.7

  # List the IOCs a session contributed to, with their contributing findings
  tracesweep iocs --session 12 --contributions`
)

// IOCsCmd represents the iocs command.
var IOCsCmd = &cobra.Command{
	Use:                   "iocs [--type TYPE] [--session ID] [--min-confidence N] [--limit N] [--contributions]",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               exampleIOCsUsage,
	Short:                 "Query aggregated indicators of compromise",
	RunE:                  runIOCsCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runIOCsCommand(cmd *cobra.Command, args []string) error {
	filter, err := validateIOCsArgs(&iocsOptions, args)
	if err != nil {
		logger.Error("invalid iocs arguments", "error", err)
		return errors.NewCommandError(iocsOptions, fmt.Errorf("invalid iocs arguments: %w", err), 1)
	}

	ctx := context.Background()
	store, err := evidence.Open(ctx, AppConfig.Storage, logger.Named("evidence"))
	if err != nil {
		logger.Error("failed to open evidence store", "error", err)
		return errors.NewCommandError(iocsOptions, fmt.Errorf("failed to open evidence store: %w", err), 2)
	}
	defer store.Close()

	list, err := store.QueryIOCs(ctx, filter)
	if err != nil {
		logger.Error("iocs command failed", "error", err)
		return errors.NewCommandError(iocsOptions, fmt.Errorf("iocs command failed: %w", err), 2)
	}

	result := make([]IOCResult, 0, len(list))
	for _, i := range list {
		r := IOCResult{IOC: i}
		if iocsOptions.Contributions {
			if r.Contributions, err = store.Contributions(ctx, i.ID); err != nil {
				logger.Error("failed to read ioc contributions", "ioc", i.Key().String(), "error", err)
				return errors.NewCommandError(iocsOptions, fmt.Errorf("failed to read contributions of ioc %d: %w", i.ID, err), 2)
			}
		}
		result = append(result, r)
	}

	if err := shared.PrintResultAsJSON(result); err != nil {
		logger.Error("error serializing JSON result", "error", err)
	}
	logger.Debug("iocs command completed successfully", "iocs", len(result))
	return nil
}

func init() {
	IOCsCmd.Flags().StringVarP(&iocsOptions.Type, "type", "t", "", "Only IOCs of the given type (file_path, network_endpoint, registry_key, process_marker).")
	IOCsCmd.Flags().Int64Var(&iocsOptions.SessionID, "session", 0, "Only IOCs the given session contributed to.")
	IOCsCmd.Flags().Float64Var(&iocsOptions.MinConfidence, "min-confidence", 0, "Minimum aggregated confidence in [0,1].")
	IOCsCmd.Flags().IntVar(&iocsOptions.Limit, "limit", 0, "Maximum number of IOCs to return.")
	IOCsCmd.Flags().BoolVar(&iocsOptions.Contributions, "contributions", false, "Include the contributing findings of every IOC.")
	IOCsCmd.Flags().BoolP("help", "h", false, "Show help for the iocs command.")
}
