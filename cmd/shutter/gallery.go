package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/tiroq/shutter/internal/config"
	"github.com/tiroq/shutter/internal/gallery"
	"github.com/tiroq/shutter/internal/hwlock"
	"github.com/tiroq/shutter/internal/ipc"
	"github.com/tiroq/shutter/internal/media"
	"github.com/tiroq/shutter/internal/permission"
)

type GalleryListOptions struct {
	OutputFormat string
	Filter       string
}

func NewGalleryCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gallery",
		Short: "Browse and delete captured photos and videos",
	}
	cmd.AddCommand(
		NewGalleryListCommand(root),
		NewGalleryDeleteCommand(root),
	)
	return cmd
}

func NewGalleryListCommand(root *RootOptions) *cobra.Command {
	opts := &GalleryListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List captures, newest first",
		Example: `  shutter gallery list
  shutter gallery list --filter Movies/
  shutter gallery list --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGallery(cmd.Context(), root, opts.Filter, func(m *gallery.Model) error {
				return renderGallery(cmd.OutOrStdout(), m.Items(), opts.OutputFormat)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.OutputFormat, "output", "text", "Output format (json or text)")
	flags.StringVar(&opts.Filter, "filter", "", "Only paths containing this text (default: the app folder)")
	return cmd
}

func NewGalleryDeleteCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>...",
		Short:   "Delete captures from disk and from the catalog",
		Example: `  shutter gallery delete 12 13`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid id %q", a)
				}
				ids = append(ids, id)
			}

			return withGallery(cmd.Context(), root, "", func(m *gallery.Model) error {
				failed := 0
				for _, id := range ids {
					if m.Remove(cmd.Context(), id) {
						fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d\n", id)
					} else {
						failed++
						fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", color.RedString("Not deleted:"), id)
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d captures were not deleted", failed, len(ids))
				}
				return nil
			})
		},
	}
}

// withGallery opens the catalog named by the config, loads a gallery model
// over it and hands the model to fn.
func withGallery(ctx context.Context, root *RootOptions, filter string, fn func(*gallery.Model) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(root.ConfigPath, root.EnvFile)
	if err != nil {
		return err
	}
	gate := permission.NewStatic(grantedPermissions(root, cfg)...)
	if !gate.IsGranted(permission.MediaSet()...) {
		return fmt.Errorf("media access not granted: run 'shutter grant %s' or add it to permissions", permission.ReadMedia)
	}
	if filter == "" {
		filter = cfg.Media.AppFolder
	}

	index, err := media.OpenIndex(cfg.Media.IndexPath)
	if err != nil {
		return fmt.Errorf("failed to open media index: %w", err)
	}
	defer index.Close()

	store := media.NewStore(cfg.Media.Root, index, clock.RealClock{}, nil)
	m := gallery.New(store, filter, nil, nil)
	if err := m.Load(ctx); err != nil {
		return err
	}
	return fn(m)
}

// grantedPermissions prefers the grants of a running daemon, which follow
// grant and revoke commands, over the startup set in the config.
func grantedPermissions(root *RootOptions, cfg *config.Config) []permission.Permission {
	if _, running := hwlock.Active(hwlock.PathIn(root.StateDir, "shutterd")); !running {
		return cfg.GrantedPermissions()
	}
	st, err := ipc.ReadStatus(root.StateDir)
	if err != nil {
		return cfg.GrantedPermissions()
	}
	perms := make([]permission.Permission, 0, len(st.Permissions))
	for _, name := range st.Permissions {
		if p, err := permission.Parse(name); err == nil {
			perms = append(perms, p)
		}
	}
	return perms
}

func renderGallery(w io.Writer, items []gallery.Item, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	if len(items) == 0 {
		fmt.Fprintln(w, "No captures found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tDATE\tSIZE\tDURATION\tNAME")
	for _, it := range items {
		kind := color.CyanString("photo")
		if it.IsVideo() {
			kind = color.MagentaString("video")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", it.ID, kind, it.Date, it.Size, it.Duration, it.DisplayName)
	}
	return tw.Flush()
}
