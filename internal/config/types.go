package config

import "time"

// Config represents the complete deployhook configuration.
type Config struct {
	Service     ServiceConfig        `yaml:"service"`
	Listen      string               `yaml:"listen"`
	Port        int                  `yaml:"port,omitempty"` // Shorthand for listen on 0.0.0.0:<port>
	MaxBodySize string               `yaml:"max_body_size,omitempty"`
	State       StateConfig          `yaml:"state"`
	PM2         PM2Config            `yaml:"pm2"`
	Reports     ReportsConfig        `yaml:"reports"`
	Slack       SlackConfig          `yaml:"slack,omitempty"`
	API         APIConfig            `yaml:"api,omitempty"`
	Apps        map[string]AppConfig `yaml:"apps"`

	// SourcePath is the absolute path the configuration was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// LogDir receives the hook output log file. Empty disables file logging.
	LogDir           string        `yaml:"log_dir,omitempty"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout,omitempty"`
	HistoryRetention time.Duration `yaml:"history_retention,omitempty"`
}

// StateConfig defines run history storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// PM2Config locates the pm2 binary used for describe and reload.
type PM2Config struct {
	Bin string `yaml:"bin"`
}

// ReportsConfig is where test reports are copied to and served from.
type ReportsConfig struct {
	Dir string `yaml:"dir"`
}

// SlackConfig configures the optional deployment notifier.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel,omitempty"`
	Username   string `yaml:"username,omitempty"`
}

// APIConfig defines admin HTTP API settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Service names accepted in AppConfig.Service.
const (
	ServiceGitHub    = "github"
	ServiceGitLab    = "gitlab"
	ServiceBitbucket = "bitbucket"
	ServiceJenkins   = "jenkins"
	ServiceDroneCI   = "droneci"
	ServiceGogs      = "gogs"
)

// DefaultBitbucketCIDR is the source range accepted for bitbucket apps without a secret.
const DefaultBitbucketCIDR = "104.192.143.0/24"

// AppConfig describes one deployable application. The map key in Config.Apps is its name.
type AppConfig struct {
	Name        string        `yaml:"-"`
	Service     string        `yaml:"service"`
	Secret      string        `yaml:"secret"`
	Branch      string        `yaml:"branch,omitempty"`
	CWD         string        `yaml:"cwd,omitempty"`
	PreHook     string        `yaml:"prehook,omitempty"`
	PostHook    string        `yaml:"posthook,omitempty"`
	NoPM2       bool          `yaml:"nopm2,omitempty"`
	StrictHooks bool          `yaml:"strict_hooks,omitempty"`
	HookTimeout time.Duration `yaml:"hook_timeout,omitempty"`
	Tests       *TestsConfig  `yaml:"tests,omitempty"`
}

// TestsConfig enables the test phase for an app.
type TestsConfig struct {
	Repo       string `yaml:"repo"`
	Branch     string `yaml:"branch,omitempty"`
	Command    string `yaml:"command"`
	ReportPath string `yaml:"report_path,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "deployhook",
			LogLevel:         "info",
			LogFormat:        "json",
			ShutdownTimeout:  30 * time.Second,
			HistoryRetention: 30 * 24 * time.Hour,
		},
		Listen:      "0.0.0.0:8888",
		MaxBodySize: "1MB",
		State: StateConfig{
			Path: "./data/deployhook.db",
		},
		PM2: PM2Config{
			Bin: "pm2",
		},
		Reports: ReportsConfig{
			Dir: "./data/reports",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8889",
		},
		Apps: make(map[string]AppConfig),
	}
}
