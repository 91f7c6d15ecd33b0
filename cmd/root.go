package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/catbird-blue/nest/internal/config"
	"github.com/catbird-blue/nest/internal/logger"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "nest",
	Short: "Catbird Nest CLI",
	Long:  `Catbird Nest is the BFF gateway for the AT Protocol`,
}

func Execute(c *config.Config) {
	cfg = c
	logger.Info("Starting CLI", "env", cfg.AppEnv)
	if err := rootCmd.Execute(); err != nil {
		logger.Error("CLI error", "error", err)
		os.Exit(1)
	}
}
