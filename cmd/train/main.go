package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "sdpo-train",
		Short:         "Self-distillation policy optimization trainer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/sdpo.yaml", "path to the YAML config")

	root.AddCommand(
		newTrainCmd(&configPath),
		newInitModelCmd(&configPath),
		newEvaluateCmd(&configPath),
		newMigrateCmd(&configPath),
	)
	return root
}
