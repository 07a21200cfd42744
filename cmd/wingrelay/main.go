package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingrelay/internal/config"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "wingrelay",
		Short:   "WebSocket relay for bridge-backed chat agents",
		Long:    "Relays chat turns from mobile clients to external agent CLIs through a bridge tool, keeping per-session conversation history.",
		Version: version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file")

	root.AddCommand(
		serveCmd(&configPath),
		chatCmd(&configPath),
		statusCmd(),
		pruneCmd(&configPath),
		tokenCmd(&configPath),
		hashKeyCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
