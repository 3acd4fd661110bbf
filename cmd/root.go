package cmd

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracesweep-io/tracesweep/cmd/findings"
	"github.com/tracesweep-io/tracesweep/cmd/iocs"
	"github.com/tracesweep-io/tracesweep/cmd/purge"
	"github.com/tracesweep-io/tracesweep/cmd/session"
	"github.com/tracesweep-io/tracesweep/cmd/sweep"
	"github.com/tracesweep-io/tracesweep/cmd/version"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
	"github.com/tracesweep-io/tracesweep/pkg/shared/logger"
)

var (
	cfgFile   string
	AppConfig *config.Config
	rootCmd   = &cobra.Command{
		Use:                   "tracesweep [command]",
		SilenceUsage:          true,
		SilenceErrors:         true,
		DisableFlagsInUseLine: true,
		Short:                 "Tracesweep is a layered forensic sweep of a live host.",
		Long: `Tracesweep inspects a host layer by layer (filesystem surface, deleted-data traces,
processes, network sockets, memory artifacts and autostart persistence), scores what it
finds and keeps the evidence and the derived indicators of compromise in a local store.`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config.yml)")

	rootCmd.AddCommand(sweep.SweepCmd)
	rootCmd.AddCommand(findings.FindingsCmd)
	rootCmd.AddCommand(iocs.IOCsCmd)
	rootCmd.AddCommand(session.SessionCmd)
	rootCmd.AddCommand(purge.PurgeCmd)
	rootCmd.AddCommand(version.NewVersionCmd())
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		var cmdErr *errors.CommandError
		if stderrors.As(err, &cmdErr) {
			return cmdErr.ExitCode
		}
		return 1
	}
	return 0
}

func initConfig() {
	var err error

	if cfgFile == "" {
		cfgFile = "config.yml"
	}
	AppConfig, err = config.NewConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing config file %q failed: %v\n", cfgFile, err)
		os.Exit(1)
	}

	sweep.Init(AppConfig, logger.NewLogger(AppConfig, "core-sweep"))
	findings.Init(AppConfig, logger.NewLogger(AppConfig, "core-findings"))
	iocs.Init(AppConfig, logger.NewLogger(AppConfig, "core-iocs"))
	session.Init(AppConfig, logger.NewLogger(AppConfig, "core-session"))
	purge.Init(AppConfig, logger.NewLogger(AppConfig, "core-purge"))
	version.Init(AppConfig)
}
