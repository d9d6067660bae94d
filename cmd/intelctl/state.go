package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"intelligence-substrate/core/internal/app"
	telemetrydomain "intelligence-substrate/core/internal/telemetry/domain"
)

func newCreditsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "credits",
		Short: "Show remaining credits for today",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(_ context.Context, a *app.App) error {
				if a.Engine.IsAdmin() {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "unlimited (admin)")
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), a.Engine.GetCredits())
				return err
			})
		},
	}
}

func newStateCmd(root *rootOptions) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the working intelligence state as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(_ context.Context, a *app.App) error {
				s := a.Engine.GetState()
				if remote {
					s = a.Sync.GetState()
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "print the last synced server copy instead")
	return cmd
}

func newResetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the intelligence state to defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(_ context.Context, a *app.App) error {
				a.Engine.Lobotomy()
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "state reset")
				return err
			})
		},
	}
}

func newTelemetryCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "telemetry on|off",
		Short:     "Enable or disable optional telemetry",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(_ context.Context, a *app.App) error {
				a.Engine.ToggleTelemetry(args[0] == "on")
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "telemetry %s\n", args[0])
				return err
			})
		},
	}
}

func newTrackCmd(root *rootOptions) *cobra.Command {
	var appID string
	cmd := &cobra.Command{
		Use:   "track <event-type> [label]",
		Short: "Record an interaction event, or a raw event with --raw",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetBool("raw")
			label := ""
			if len(args) == 2 {
				label = args[1]
			}
			kind := telemetrydomain.EventType(args[0])
			if !raw && !kind.Valid() {
				return fmt.Errorf("unknown event type %q", args[0])
			}
			return withApp(cmd, root, func(_ context.Context, a *app.App) error {
				if raw {
					a.Engine.TrackRawEvent(args[0], label)
					return nil
				}
				var meta map[string]any
				if label != "" {
					meta = map[string]any{"label": label}
				}
				a.Engine.TrackInteraction(appID, kind, meta)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&appID, "app", "cli", "app id")
	cmd.Flags().Bool("raw", false, "record a free-form event")
	return cmd
}
