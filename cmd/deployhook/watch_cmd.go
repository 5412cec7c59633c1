package main

import (
	"errors"
	"fmt"
	"net"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/deployhook/internal/config"
	"github.com/mattjoyce/deployhook/internal/tui/watch"
)

// tokenEnv is read when --token is not given.
const tokenEnv = "DEPLOYHOOK_API_TOKEN"

type watchOptions struct {
	apiURL string
	token  string
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	wo := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of deliveries and pipeline runs",
		Long: `Follow the admin API event stream and show in-flight runs per app,
recent run history and the latest events.

The API address and token default to api.listen and api.auth.api_key from the
configuration. The token needs events:ro; runs:ro adds the history panel.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wo.resolve(cmd, opts); err != nil {
				return err
			}
			m := watch.New(cmd.Context(), watch.NewClient(wo.apiURL, wo.token))
			p := tea.NewProgram(m,
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&wo.apiURL, "api-url", "", "admin API base URL (default: http://<api.listen>)")
	cmd.Flags().StringVar(&wo.token, "token", "", "bearer token (default: $"+tokenEnv+", then api.auth.api_key)")
	return cmd
}

// resolve fills the API address and token, consulting the config only for
// what the flags and environment leave unset.
func (wo *watchOptions) resolve(cmd *cobra.Command, opts *rootOptions) error {
	if wo.token == "" {
		wo.token = os.Getenv(tokenEnv)
	}
	if wo.apiURL != "" && wo.token != "" {
		return nil
	}

	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	if wo.apiURL == "" {
		if !cfg.API.Enabled {
			return errors.New("admin API is disabled (api.enabled: false); pass --api-url")
		}
		wo.apiURL = apiBaseURL(cfg.API)
	}
	if wo.token == "" {
		wo.token = cfg.API.Auth.APIKey
	}
	if wo.token == "" {
		return fmt.Errorf("no API token: pass --token or set %s", tokenEnv)
	}
	return nil
}

// apiBaseURL turns a listen address into a URL a local client can dial.
func apiBaseURL(api config.APIConfig) string {
	host, port, err := net.SplitHostPort(api.Listen)
	if err != nil {
		return "http://" + api.Listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
