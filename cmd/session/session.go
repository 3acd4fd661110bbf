package session

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/tracesweep-io/tracesweep/internal/evidence"
	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
)

// SessionResult is a stored session with the IOCs it contributed to.
type SessionResult struct {
	Session findings.Session `json:"session"`
	IOCs    []findings.IOC   `json:"iocs"`
}

var (
	AppConfig *config.Config
	logger    hclog.Logger

	exampleSessionUsage = `  # Show session 12 and the IOCs it contributed to
  tracesweep session 12`
)

// SessionCmd represents the session command.
var SessionCmd = &cobra.Command{
	Use:                   "session ID",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               exampleSessionUsage,
	Short:                 "Show a stored sweep session",
	RunE:                  runSessionCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runSessionCommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	id, err := validateSessionArgs(args)
	if err != nil {
		logger.Error("invalid session arguments", "error", err)
		return errors.NewCommandError(args, fmt.Errorf("invalid session arguments: %w", err), 1)
	}

	ctx := context.Background()
	store, err := evidence.Open(ctx, AppConfig.Storage, logger.Named("evidence"))
	if err != nil {
		logger.Error("failed to open evidence store", "error", err)
		return errors.NewCommandError(args, fmt.Errorf("failed to open evidence store: %w", err), 2)
	}
	defer store.Close()

	sess, err := store.GetSession(ctx, id)
	if err != nil {
		logger.Error("session command failed", "session_id", id, "error", err)
		return errors.NewCommandError(args, fmt.Errorf("session command failed: %w", err), 2)
	}
	iocs, err := store.QueryIOCs(ctx, evidence.IOCFilter{SessionID: id})
	if err != nil {
		logger.Error("failed to read session iocs", "session_id", id, "error", err)
		return errors.NewCommandError(args, fmt.Errorf("failed to read session iocs: %w", err), 2)
	}

	if err := shared.PrintResultAsJSON(SessionResult{Session: sess, IOCs: iocs}); err != nil {
		logger.Error("error serializing JSON result", "error", err)
	}
	return nil
}

// validateSessionArgs parses the session id argument.
func validateSessionArgs(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("exactly one session id is expected, got %d arguments", len(args))
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("session id must be a positive integer: %q", args[0])
	}
	return id, nil
}

func init() {
	SessionCmd.Flags().BoolP("help", "h", false, "Show help for the session command.")
}
