package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"intelligence-substrate/core/internal/ai"
	"intelligence-substrate/core/internal/app"
	"intelligence-substrate/core/internal/policy/domain"
)

var errNoCredits = errors.New("out of credits for today")

type genOptions struct {
	appID string
	model string
	scope string
	regen bool
	cost  int
}

func (o *genOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.appID, "app", "cli", "app id used for policy lookups and telemetry")
	cmd.Flags().StringVar(&o.model, "model", "", "model override; the global policy and default model apply when empty")
}

func newGenerateCmd(root *rootOptions) *cobra.Command {
	o := &genOptions{}
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate text with prompt augmentation, retry, and telemetry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			scope := domain.Scope(o.scope)
			if !scope.Valid() {
				return fmt.Errorf("unknown scope %q", o.scope)
			}
			return withApp(cmd, root, func(ctx context.Context, a *app.App) error {
				if !a.Engine.UseCredit(o.cost) {
					return errNoCredits
				}
				resp, err := a.AI.GenerateWithScope(ctx, o.appID, scope, ai.Request{Model: o.model, Contents: prompt}, o.regen)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
				return err
			})
		},
	}
	o.bind(cmd)
	cmd.Flags().StringVar(&o.scope, "scope", string(domain.ScopeGlobal), "learned-fact scope: Global, Creative, Business or Utility")
	cmd.Flags().BoolVar(&o.regen, "regenerate", false, "record the call as a regeneration")
	cmd.Flags().IntVar(&o.cost, "cost", 1, "credits to spend")
	return cmd
}

func newStreamCmd(root *rootOptions) *cobra.Command {
	o := &genOptions{}
	cmd := &cobra.Command{
		Use:   "stream <prompt>",
		Short: "Stream generated text as it arrives",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			return withApp(cmd, root, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				for text, err := range a.AI.StreamAIContent(ctx, ai.Request{Model: o.model, Contents: prompt}) {
					if err != nil {
						return err
					}
					if _, err := fmt.Fprint(out, text); err != nil {
						return err
					}
				}
				_, err := fmt.Fprintln(out)
				return err
			})
		},
	}
	o.bind(cmd)
	return cmd
}

func newVideoCmd(root *rootOptions) *cobra.Command {
	o := &genOptions{}
	cmd := &cobra.Command{
		Use:   "video <prompt>",
		Short: "Request a video and print its URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			return withApp(cmd, root, func(ctx context.Context, a *app.App) error {
				url, err := a.AI.GenerateVideo(ctx, o.appID, ai.VideoRequest{Model: o.model, Prompt: prompt})
				if err != nil {
					return err
				}
				if url == nil {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), "no video returned")
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), *url)
				return err
			})
		},
	}
	o.bind(cmd)
	return cmd
}
