package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tiroq/shutter/internal/ipc"
)

type controlDef struct {
	name    ipc.CommandName
	use     string
	short   string
	example string
	args    cobra.PositionalArgs
}

var controls = []controlDef{
	{ipc.CmdTap, "tap <x> <y>", "Focus and meter at preview coordinates", "  shutter tap 540 960", cobra.ExactArgs(2)},
	{ipc.CmdPinch, "pinch <factor>", "Zoom relative to the current level", "  shutter pinch 1.2", cobra.ExactArgs(1)},
	{ipc.CmdCapture, "capture", "Take a photo, or start/stop recording in video mode", "", cobra.NoArgs},
	{ipc.CmdSwitch, "switch", "Swap between the back and front camera", "", cobra.NoArgs},
	{ipc.CmdMode, "mode <photo|video>", "Change the capture mode", "  shutter mode video", cobra.ExactArgs(1)},
	{ipc.CmdViewport, "viewport <width> <height>", "Report the measured preview size", "  shutter viewport 1080 1920", cobra.ExactArgs(2)},
	{ipc.CmdShow, "show", "Bring the capture screen to the foreground", "", cobra.NoArgs},
	{ipc.CmdHide, "hide", "Send the capture screen to the background", "", cobra.NoArgs},
	{ipc.CmdGrant, "grant <permission>...", "Grant runtime permissions (camera, record_audio, read_media)", "  shutter grant camera record_audio", cobra.MinimumNArgs(1)},
	{ipc.CmdRevoke, "revoke <permission>...", "Revoke runtime permissions", "  shutter revoke record_audio", cobra.MinimumNArgs(1)},
	{ipc.CmdQuit, "quit", "Stop the daemon", "", cobra.NoArgs},
}

func controlCommands(opts *RootOptions) []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(controls))
	for _, def := range controls {
		def := def
		cmds = append(cmds, &cobra.Command{
			Use:     def.use,
			Short:   def.short,
			Example: def.example,
			Args:    def.args,
			RunE: func(cmd *cobra.Command, args []string) error {
				return sendCommand(cmd, opts, ipc.Command{Name: def.name, Args: args})
			},
		})
	}
	return cmds
}

// sendCommand queues c for the daemon.
func sendCommand(cmd *cobra.Command, opts *RootOptions, c ipc.Command) error {
	parsed, err := ipc.ParseCommand(c.String())
	if err != nil {
		return err
	}
	if err := ipc.WriteCommand(opts.StateDir, parsed); err != nil {
		return fmt.Errorf("failed to queue command: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent: %s\n", parsed)
	return nil
}
