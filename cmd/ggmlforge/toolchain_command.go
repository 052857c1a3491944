package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ggmlforge/internal/keylock"
	"ggmlforge/internal/toolchain"
)

func newToolchainCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "toolchain",
		Short: "Download and build the llama.cpp toolchain without converting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			env, err := ctx.openPipeline()
			if err != nil {
				return err
			}
			defer env.Close()

			manager := toolchain.NewManager(env.cfg, ctx.newRunner(env.logger), env.store, keylock.New(env.cfg.LockDir()), toolchain.WithLogger(env.logger))
			result, err := manager.EnsureToolchain(signalCtx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if result.AlreadyPresent {
				fmt.Fprintf(out, "Toolchain %s already built at %s\n", env.cfg.Toolchain.ReleaseTag, result.ProducedPath)
				return nil
			}
			fmt.Fprintf(out, "Toolchain %s ready at %s\n", env.cfg.Toolchain.ReleaseTag, result.ProducedPath)
			return nil
		},
	}
}
