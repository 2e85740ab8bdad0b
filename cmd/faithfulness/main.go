package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// #region root
var (
	configPath string
	logLevel   string
	debugMode  bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "faithfulness",
		Short:         "Perturbation-based faithfulness metrics for token attributions",
		Long:          `Runs sufficiency, comprehensiveness, AOPC and log-odds tests against a classifier served over gRPC.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to experiment YAML (overrides FAITH_* env)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")

	root.AddCommand(newRunCmd(), newInspectCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion root
