package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/deployhook/internal/config"
	"github.com/mattjoyce/deployhook/internal/doctor"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and lock the configuration",
	}
	cmd.AddCommand(newConfigCheckCmd(opts), newConfigLockCmd(opts))
	return cmd
}

func newConfigCheckCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration against this host and list configured apps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			res := doctor.New(cfg).Validate()

			out := cmd.OutOrStdout()
			if asJSON {
				data, err := doctor.FormatJSON(res)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, data)
			} else {
				fmt.Fprintf(out, "Config: %s\n", cfg.SourcePath)
				fmt.Fprintf(out, "Listen: %s\n\n", cfg.Listen)
				if err := printApps(out, cfg); err != nil {
					return err
				}
				fmt.Fprintln(out)
				fmt.Fprint(out, doctor.FormatHuman(res))
			}

			if !res.Valid {
				return fmt.Errorf("configuration invalid")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printApps(w io.Writer, cfg *config.Config) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APP\tSERVICE\tBRANCH\tCWD\tTESTS")
	for _, name := range appNames(cfg) {
		app := cfg.Apps[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, app.Service, orDash(app.Branch), cwdLabel(app), testsLabel(app))
	}
	return tw.Flush()
}

func newConfigLockCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Record the config's BLAKE3 hash in .checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.resolveConfigPath(cmd)
			if err != nil {
				return err
			}
			hash, err := config.LockConfig(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Locked %s (blake3 %s)\n", path, hash)
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func cwdLabel(app config.AppConfig) string {
	switch {
	case app.CWD != "":
		return app.CWD
	case app.NoPM2:
		return "-"
	default:
		return "(pm2)"
	}
}

func testsLabel(app config.AppConfig) string {
	if app.Tests == nil {
		return "no"
	}
	return "yes"
}
