package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"ggmlforge/internal/api"
	"ggmlforge/internal/pipeline"
	"ggmlforge/internal/registry"
	"ggmlforge/internal/stage"
)

type convertOutput struct {
	Source      string         `json:"source"`
	Profile     string         `json:"profile"`
	DownloadURL string         `json:"download_url"`
	Stages      []stage.Result `json:"stages,omitempty"`
}

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var remote string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "convert <source> <profile>",
		Short: "Produce a quantized GGML file for a source at a profile",
		Long: "Runs the full pipeline (toolchain, fetch, convert, reduce) locally, or with\n" +
			"--remote posts the request to a running ggmlforge server.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			var (
				out convertOutput
				err error
			)
			if strings.TrimSpace(remote) != "" {
				out, err = convertRemote(signalCtx, ctx, remote, args[0], args[1])
			} else {
				out, err = convertLocal(signalCtx, ctx, args[0], args[1])
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, out)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.DownloadURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "Address of a running ggmlforge server (host:port or URL)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func convertLocal(ctx context.Context, cmdCtx *commandContext, source, profile string) (convertOutput, error) {
	env, err := cmdCtx.openPipeline()
	if err != nil {
		return convertOutput{}, err
	}
	defer env.Close()

	outcome, err := env.orchestrator.Run(ctx, pipeline.Request{
		Source:  registry.SourceName(source),
		Profile: registry.Profile(profile),
	})
	if err != nil {
		return convertOutput{}, err
	}
	return convertOutput{
		Source:      string(outcome.Request.Source),
		Profile:     string(outcome.Request.Profile),
		DownloadURL: outcome.FinalArtifactPath,
		Stages:      outcome.Stages,
	}, nil
}

func convertRemote(ctx context.Context, cmdCtx *commandContext, remote, source, profile string) (convertOutput, error) {
	cfg, err := cmdCtx.loadConfig()
	if err != nil {
		return convertOutput{}, fmt.Errorf("load config: %w", err)
	}
	client, err := api.NewClient(remote, cfg.Server.Route, 0)
	if err != nil {
		return convertOutput{}, err
	}
	download, err := client.Convert(ctx, source, profile)
	if err != nil {
		return convertOutput{}, fmt.Errorf("remote convert: %w", err)
	}
	return convertOutput{Source: source, Profile: profile, DownloadURL: download}, nil
}
