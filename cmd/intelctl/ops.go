package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"intelligence-substrate/core/internal/app"
	"intelligence-substrate/core/internal/health"
	"intelligence-substrate/core/internal/telemetry"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep state sync, connectivity probing, and telemetry delivery running until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app.App) error {
				a.Logger.Info("intelctl: running", zap.String("session_id", a.Engine.SessionID()))
				a.Run(ctx)
				a.Logger.Info("intelctl: stopping")
				return nil
			})
		},
	}
}

func newFlushCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver one batch of queued telemetry now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app.App) error {
				res := a.Transport.Flush(ctx)
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %d events, %d queued\n", res.Kind, res.Events, a.Transport.Len()); err != nil {
					return err
				}
				if res.Kind == telemetry.FlushFailed {
					return res.Err
				}
				return nil
			})
		},
	}
}

var errNotServing = errors.New("not serving")

func newHealthCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the API origin, the database, and the credit policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app.App) error {
				r := a.Health.Check(ctx)
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(r); err != nil {
					return err
				}
				if r.Status != health.StatusServing {
					return errNotServing
				}
				return nil
			})
		},
	}
}
