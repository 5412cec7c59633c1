// Command deployhook receives git hosting and CI webhooks and redeploys the
// matching pm2 applications.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mattjoyce/deployhook/internal/config"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func (o *rootOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "path to config.yaml or the directory holding it")
	fs.StringVar(&o.envFile, "env-file", "", "dotenv file loaded before ${VAR} interpolation (default: .env next to the config)")
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "deployhook",
		Short:         "Webhook receiver that pulls, hooks and reloads pm2 apps",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	opts.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newStartCmd(opts),
		newConfigCmd(opts),
		newHistoryCmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "deployhook %s (commit %s, built %s)\n", version, gitCommit, buildDate)
			return err
		},
	}
}

// resolveConfigPath returns --config, or a discovered location.
func (o *rootOptions) resolveConfigPath(cmd *cobra.Command) (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	p, err := config.DiscoverConfigPath()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Using discovered config: %s\n", p)
	return p, nil
}

// loadEnv loads --env-file, or a .env file beside the config when present.
// Variables already set in the environment win.
func (o *rootOptions) loadEnv(configPath string) error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", o.envFile, err)
		}
		return nil
	}

	dir := configPath
	if info, err := os.Stat(configPath); err != nil || !info.IsDir() {
		dir = filepath.Dir(configPath)
	}
	candidate := filepath.Join(dir, ".env")
	if _, err := os.Stat(candidate); err != nil {
		return nil
	}
	if err := godotenv.Load(candidate); err != nil {
		return fmt.Errorf("load env file %s: %w", candidate, err)
	}
	return nil
}

// loadConfig resolves, loads env and parses the configuration.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := o.resolveConfigPath(cmd)
	if err != nil {
		return nil, err
	}
	if err := o.loadEnv(path); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
