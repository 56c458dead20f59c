// Package main is the entry point for the idios CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artresearch/idios/internal/config"
)

// Version information set via ldflags during build.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idios",
		Short: "Idios reverse image search service",
		Long: `Idios is a reverse-image-search service: images are ingested into
per-model vector indices and queried by URL, text or a second image.

The service runs as two kinds of processes sharing a job queue:
  idios serve   HTTP front-end relaying requests to the queue
  idios work    worker executing commands against the vector store`,
	}

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(workCmd())
	cmd.AddCommand(versionCmd())

	return cmd
}

// loadConfig loads configuration from a .env file and environment variables.
func loadConfig(envFile string) (config.AppConfig, error) {
	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
