// Package doctor checks a loaded configuration against the host it will run
// on: working copies, the pm2 binary, token scopes and weak validation modes.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/deployhook/internal/auth"
	"github.com/mattjoyce/deployhook/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

type Doctor struct {
	cfg *config.Config
	// LookPath resolves the pm2 binary. Defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, LookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTokenScopes(r)
	d.validatePM2(r)
	for _, name := range d.appNames() {
		d.validateApp(r, name, d.cfg.Apps[name])
	}
	d.warnSlack(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) appNames() []string {
	names := make([]string, 0, len(d.cfg.Apps))
	for name := range d.cfg.Apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var knownScopes = map[string]bool{
	auth.ScopeAll:      true,
	auth.ScopeRunsRead: true,
	auth.ScopeDeploy:   true,
	auth.ScopeEvents:   true,
}

func (d *Doctor) validateTokenScopes(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	for i, tok := range d.cfg.API.Auth.Tokens {
		for _, scope := range tok.Scopes {
			if !knownScopes[strings.TrimSpace(scope)] {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes", i),
					fmt.Sprintf("unknown scope %q (valid: *, runs:ro, deploy:rw, events:ro)", scope))
			}
		}
	}
}

// validatePM2 requires the pm2 binary when any app needs it to resolve its
// working directory or to reload.
func (d *Doctor) validatePM2(r *Result) {
	var needed []string
	for _, name := range d.appNames() {
		app := d.cfg.Apps[name]
		if !app.NoPM2 || app.CWD == "" {
			needed = append(needed, name)
		}
	}
	if len(needed) == 0 {
		return
	}
	if _, err := d.LookPath(d.cfg.PM2.Bin); err != nil {
		d.addError(r, "pm2", "pm2.bin",
			fmt.Sprintf("%s not found (%v); needed by %s", d.cfg.PM2.Bin, err, strings.Join(needed, ", ")))
	}
}

func (d *Doctor) validateApp(r *Result, name string, app config.AppConfig) {
	field := "apps." + name

	switch app.Service {
	case config.ServiceJenkins:
		d.addWarning(r, "validation", field+".secret",
			fmt.Sprintf("jenkins accepts any source ip containing %q", app.Secret))
	case config.ServiceBitbucket:
		if app.Secret == "" {
			d.addWarning(r, "validation", field+".secret",
				"no CIDR set; accepting deliveries from "+config.DefaultBitbucketCIDR)
		}
	}

	if app.NoPM2 && app.CWD == "" {
		d.addWarning(r, "cwd", field+".cwd", "nopm2 without cwd still asks pm2 for the working directory")
	}

	if app.CWD != "" {
		info, err := os.Stat(app.CWD)
		switch {
		case err != nil:
			d.addError(r, "cwd", field+".cwd", fmt.Sprintf("%s: %v", app.CWD, err))
		case !info.IsDir():
			d.addError(r, "cwd", field+".cwd", app.CWD+" is not a directory")
		case !insideGitRepo(app.CWD):
			d.addWarning(r, "cwd", field+".cwd", app.CWD+" is not inside a git working copy; pulls will fail")
		}
	}

	if app.Tests != nil && app.Tests.ReportPath != "" && d.cfg.Reports.Dir == "" {
		d.addWarning(r, "tests", field+".tests.report_path", "reports.dir is empty; reports will not be kept")
	}
}

func (d *Doctor) warnSlack(r *Result) {
	u := d.cfg.Slack.WebhookURL
	if u != "" && !strings.HasPrefix(u, "https://") {
		d.addWarning(r, "slack", "slack.webhook_url", "webhook url is not https")
	}
}

// insideGitRepo walks up from dir looking for a .git entry.
func insideGitRepo(dir string) bool {
	p, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	for {
		if _, err := os.Stat(filepath.Join(p, ".git")); err == nil {
			return true
		}
		parent := filepath.Dir(p)
		if parent == p {
			return false
		}
		p = parent
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	writeIssues(&b, "ERROR", r.Errors)
	writeIssues(&b, "WARN ", r.Warnings)
	return b.String()
}

func writeIssues(b *strings.Builder, label string, issues []Issue) {
	for _, is := range issues {
		if is.Field != "" {
			fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, is.Category, is.Field, is.Message)
		} else {
			fmt.Fprintf(b, "  %s [%s] %s\n", label, is.Category, is.Message)
		}
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
