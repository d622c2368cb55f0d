package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/tiroq/shutter/internal/gallery"
	"github.com/tiroq/shutter/internal/hwlock"
	"github.com/tiroq/shutter/internal/ipc"
)

type StatusOptions struct {
	OutputFormat string
	Watch        bool
}

func NewStatusCommand(root *RootOptions) *cobra.Command {
	opts := &StatusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon and capture session state",
		Example: `  shutter status
  shutter status --output json
  shutter status --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Watch {
				return watchStatus(cmd.OutOrStdout(), root, opts)
			}
			return printStatus(cmd.OutOrStdout(), root, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.OutputFormat, "output", "text", "Output format (json or text)")
	flags.BoolVar(&opts.Watch, "watch", false, "Print the status again whenever it changes")

	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func printStatus(w io.Writer, root *RootOptions, opts *StatusOptions) error {
	st, err := ipc.ReadStatus(root.StateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no status at %s: is shutterd running?", ipc.StatusPath(root.StateDir))
		}
		return fmt.Errorf("failed to read status: %w", err)
	}

	if opts.OutputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	holder, running := hwlock.Active(hwlock.PathIn(root.StateDir, "shutterd"))
	renderStatus(w, st, holder, running, time.Now())
	return nil
}

var (
	labelColor = color.New(color.Faint)
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	badColor   = color.New(color.FgRed)
	recColor   = color.New(color.FgRed, color.Bold)
)

func renderStatus(w io.Writer, st *ipc.StatusSnapshot, holder hwlock.Holder, running bool, now time.Time) {
	row := func(label string, c *color.Color, format string, args ...interface{}) {
		labelColor.Fprintf(w, "%-12s ", label+":")
		c.Fprintf(w, format+"\n", args...)
	}

	if running {
		row("Daemon", okColor, "running (PID %d, since %s)", holder.PID, humanize.RelTime(holder.AcquiredAt, now, "ago", "from now"))
	} else {
		row("Daemon", badColor, "not running")
	}

	if st.DaemonConnected {
		row("Camera link", okColor, "connected (camd %s)", st.DaemonVersion)
	} else {
		row("Camera link", badColor, "disconnected")
	}

	screen, screenColor := "hidden", warnColor
	if st.Visible {
		screen, screenColor = "visible", okColor
	}
	row("Screen", screenColor, "%s", screen)

	if st.PermissionGranted {
		row("Permission", okColor, "camera granted")
	} else {
		row("Permission", badColor, "camera denied")
	}

	if len(st.Permissions) > 0 {
		row("Granted", color.New(color.Reset), "%s", strings.Join(st.Permissions, ", "))
	}
	row("Camera", color.New(color.Reset), "%s, %s mode", st.Selector, st.Mode)
	if st.Bound {
		row("Binding", okColor, "bound (%s)", st.PreviewID)
	} else {
		row("Binding", warnColor, "unbound")
	}
	row("Zoom", color.New(color.Reset), "%.0f%%", st.Zoom*100)

	if st.Focus != nil {
		c := warnColor
		switch st.Focus.Result {
		case "succeeded":
			c = okColor
		case "failed":
			c = badColor
		}
		row("Focus", c, "(%.0f, %.0f) %s", st.Focus.X, st.Focus.Y, st.Focus.Result)
	}
	if st.Flash {
		row("Flash", okColor, "on")
	}

	switch {
	case st.Recording:
		row("Recording", recColor, "REC %s", gallery.DurationLabel(st.RecordedDurationMs))
	case st.RecordingActive:
		row("Recording", warnColor, "finishing")
	default:
		row("Recording", color.New(color.Reset), "idle")
	}

	if st.LastAction != "" {
		row("Last action", color.New(color.Reset), "%s", st.LastAction)
	}
	if st.LastError != "" {
		row("Last error", badColor, "%s", st.LastError)
	}
	row("Updated", labelColor, "%s", humanize.RelTime(st.Timestamp, now, "ago", "from now"))
}

// watchStatus reprints the status whenever the daemon rewrites it, until
// interrupted.
func watchStatus(w io.Writer, root *RootOptions, opts *StatusOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(root.StateDir, 0755); err != nil {
		return err
	}
	if err := watcher.Add(root.StateDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root.StateDir, err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	statusPath := ipc.StatusPath(root.StateDir)
	if err := printStatus(w, root, opts); err != nil {
		fmt.Fprintln(w, err)
	}
	for {
		select {
		case <-sig:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// The status file is replaced by rename.
			if filepath.Clean(event.Name) != statusPath || event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			fmt.Fprintln(w)
			if err := printStatus(w, root, opts); err != nil {
				fmt.Fprintln(w, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}
