package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "candlepipe",
		Short: "15-minute crypto candle ingestion pipeline",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "path to the YAML config file")

	root.AddCommand(
		newRunCmd(&configPath),
		newBackfillCmd(&configPath),
		newStatsCmd(&configPath),
		newSubscribeCmd(&configPath),
		newUnsubscribeCmd(&configPath),
	)
	return root
}
