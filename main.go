// Package main is the entry point for the Catbird Nest gateway
package main

import (
	"github.com/catbird-blue/nest/cmd"
	"github.com/catbird-blue/nest/internal/config"
	"github.com/catbird-blue/nest/internal/logger"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	cmd.Execute(cfg)
}
