package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"skillsyncd/internal/config"
)

func newConfigCmd(rt *runtime) *cobra.Command {
	configCmd := &cobra.Command{Use: "config", Short: "Inspect and create the configuration file"}

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the config file in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rt.resolvePath()
			return print(cmd.OutOrStdout(), rt.jsonOutput, map[string]string{"path": path}, path)
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file unless one exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rt.resolvePath()
			_, created, err := config.LoadOrCreate(path)
			if err != nil {
				return err
			}
			msg := "config already exists at " + path
			if created {
				msg = "wrote default config to " + path
			}
			return print(cmd.OutOrStdout(), rt.jsonOutput, map[string]any{"path": path, "created": created}, msg)
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration and any warnings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rt.loadConfig()
			defer rt.close(nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			warnings := config.Check(cfg).Warnings()
			if rt.jsonOutput {
				return print(out, true, map[string]any{"path": rt.loader.Path(), "config": cfg, "warnings": warnings}, "")
			}
			fmt.Fprintf(out, "config:        %s\n", rt.loader.Path())
			fmt.Fprintf(out, "database:      %s\n", cfg.DatabasePath())
			fmt.Fprintf(out, "global root:   %s\n", cfg.GlobalRoot())
			fmt.Fprintf(out, "watch:         enabled=%t poll=%s queue=%d\n", cfg.Watch.Enabled, cfg.PollTimeout(), cfg.Watch.QueueSize)
			fmt.Fprintf(out, "reconcile:     workers=%d on_startup=%t interval=%s\n", cfg.Reconcile.Workers, cfg.Reconcile.OnStartup, cfg.ReconcileInterval())
			if cfg.Serve.HTTPAddr != "" {
				fmt.Fprintf(out, "http:          %s\n", cfg.Serve.HTTPAddr)
			}
			fmt.Fprintf(out, "logging:       level=%s format=%s output=%s\n", cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
			for _, pattern := range cfg.Watch.ExcludePatterns {
				fmt.Fprintf(out, "exclude:       %s\n", pattern)
			}
			for _, w := range warnings {
				fmt.Fprintf(out, "warning:       %s: %s\n", w.Field, w.Message)
			}
			return nil
		},
	}

	configCmd.AddCommand(pathCmd, initCmd, showCmd)
	return configCmd
}
