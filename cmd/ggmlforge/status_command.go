package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ggmlforge/internal/api"
	"ggmlforge/internal/deps"
	"ggmlforge/internal/ledger"
	"ggmlforge/internal/preflight"
	"ggmlforge/internal/stage"
)

type localStatus struct {
	ConfigPath   string          `json:"config_path"`
	ConfigFound  bool            `json:"config_found"`
	WorkDir      string          `json:"work_dir"`
	ToolchainTag string          `json:"toolchain_tag"`
	Stages       []stage.Health  `json:"stages"`
	Dependencies []deps.Status   `json:"dependencies"`
	Markers      []ledger.Marker `json:"markers"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var remote string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tool availability, stage readiness and completed work",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(remote) != "" {
				return remoteStatus(cmd, ctx, remote, jsonOutput)
			}
			status, err := collectLocalStatus(cmd.Context(), ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, status)
			}
			renderLocalStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "Query a running ggmlforge server instead")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func collectLocalStatus(ctx context.Context, cmdCtx *commandContext) (localStatus, error) {
	env, err := cmdCtx.openPipeline()
	if err != nil {
		return localStatus{}, err
	}
	defer env.Close()

	markers, err := env.store.List(ctx)
	if err != nil {
		return localStatus{}, fmt.Errorf("list ledger markers: %w", err)
	}
	return localStatus{
		ConfigPath:   cmdCtx.configPath,
		ConfigFound:  cmdCtx.configSeen,
		WorkDir:      env.cfg.Paths.WorkDir,
		ToolchainTag: env.cfg.Toolchain.ReleaseTag,
		Stages:       env.orchestrator.Health(ctx),
		Dependencies: preflight.CheckSystemDeps(ctx, env.cfg),
		Markers:      markers,
	}, nil
}

func renderLocalStatus(out io.Writer, status localStatus) {
	colorize := isTerminal(out)

	fmt.Fprintln(out, renderSectionHeader("Configuration", colorize))
	configMessage := status.ConfigPath
	configKind := statusOK
	if !status.ConfigFound {
		configMessage += " (not found, using defaults)"
		configKind = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("Config", configKind, configMessage, colorize))
	fmt.Fprintln(out, renderStatusLine("Work directory", statusInfo, status.WorkDir, colorize))
	fmt.Fprintln(out, renderStatusLine("Toolchain release", statusInfo, status.ToolchainTag, colorize))
	fmt.Fprintln(out)

	renderDependencies(out, status.Dependencies, colorize)
	renderStages(out, status.Stages, colorize)

	fmt.Fprintln(out, renderSectionHeader("Completed work", colorize))
	if len(status.Markers) == 0 {
		fmt.Fprintln(out, "  nothing recorded yet")
		return
	}
	rows := make([][]string, 0, len(status.Markers))
	for _, marker := range status.Markers {
		rows = append(rows, []string{
			string(marker.Kind),
			marker.Key,
			marker.Path,
			shortFingerprint(marker.Fingerprint),
			marker.RecordedAt.Local().Format(time.DateTime),
		})
	}
	fmt.Fprintln(out, renderTable(out, []string{"Kind", "Key", "Path", "Fingerprint", "Recorded"}, rows, nil))
}

func renderDependencies(out io.Writer, statuses []deps.Status, colorize bool) {
	fmt.Fprintln(out, renderSectionHeader("Dependencies", colorize))
	for _, dep := range statuses {
		kind := statusOK
		message := dep.Path
		if !dep.Available {
			kind = statusError
			if dep.Optional {
				kind = statusWarn
			}
			message = dep.Detail
		}
		fmt.Fprintln(out, renderStatusLine(fmt.Sprintf("%s (%s)", dep.Name, dep.Stage), kind, message, colorize))
	}
	fmt.Fprintln(out)
}

func renderStages(out io.Writer, health []stage.Health, colorize bool) {
	fmt.Fprintln(out, renderSectionHeader("Stages", colorize))
	for _, h := range health {
		kind := statusOK
		message := "ready"
		if !h.Ready {
			kind = statusWarn
			message = h.Detail
		}
		fmt.Fprintln(out, renderStatusLine(h.Name, kind, message, colorize))
	}
	fmt.Fprintln(out)
}

func remoteStatus(cmd *cobra.Command, cmdCtx *commandContext, remote string, jsonOutput bool) error {
	cfg, err := cmdCtx.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	client, err := api.NewClient(remote, cfg.Server.Route, 15*time.Second)
	if err != nil {
		return err
	}
	status, err := client.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("remote status: %w", err)
	}
	if jsonOutput {
		return writeJSON(cmd, status)
	}

	out := cmd.OutOrStdout()
	colorize := isTerminal(out)
	fmt.Fprintln(out, renderSectionHeader("Server", colorize))
	fmt.Fprintln(out, renderStatusLine("Running", statusOK, fmt.Sprintf("%s (pid %d)", yesNo(status.Running), status.PID), colorize))
	fmt.Fprintln(out, renderStatusLine("Route", statusInfo, "POST "+status.Route, colorize))
	fmt.Fprintln(out, renderStatusLine("Toolchain release", statusInfo, status.ToolchainTag, colorize))
	fmt.Fprintln(out)
	renderDependencies(out, status.Dependencies, colorize)
	renderStages(out, status.Stages, colorize)

	sources := make([][]string, 0, len(status.Sources))
	for _, entry := range status.Sources {
		sources = append(sources, []string{entry.Name, entry.Value})
	}
	fmt.Fprintln(out, renderTable(out, []string{"Source", "Location"}, sources, nil))
	return nil
}

func shortFingerprint(fingerprint string) string {
	const keep = len("blake3:") + 12
	if len(fingerprint) <= keep {
		return fingerprint
	}
	return fingerprint[:keep]
}
