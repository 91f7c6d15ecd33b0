package cmd

import (
	"github.com/spf13/cobra"

	"github.com/catbird-blue/nest/server"
)

var serverCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"start"},
	Short:   "Start the Catbird Nest gateway",
	Run: func(_ *cobra.Command, _ []string) {
		server.Start(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
