package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "realtimed",
		Short:         "Distributed real-time session and broadcast worker",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $REALTIME_CONFIG_FILE_PATH or ./config.yaml)")

	root.AddCommand(newServeCmd(&configPath), newDialCmd())
	return root
}
