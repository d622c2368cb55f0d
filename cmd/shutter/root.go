package main

import (
	"github.com/spf13/cobra"

	"github.com/tiroq/shutter/internal/config"
	"github.com/tiroq/shutter/internal/ipc"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

// RootOptions are shared by every subcommand.
type RootOptions struct {
	StateDir   string
	ConfigPath string
	EnvFile    string
}

// NewRootCommand assembles the shutter CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "shutter",
		Short: "Control the shutterd capture daemon",
		Long: `shutter sends gestures and screen events to a running shutterd, shows its
status and manages the captured photos and videos.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.StateDir, "state-dir", ipc.DefaultDir(), "directory shared with shutterd")
	flags.StringVar(&opts.ConfigPath, "config", config.DefaultPath(), "path to the YAML config file")
	flags.StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file with SHUTTER_* overrides")

	cmd.AddCommand(controlCommands(opts)...)
	cmd.AddCommand(
		NewStatusCommand(opts),
		NewGalleryCommand(opts),
	)
	return cmd
}
