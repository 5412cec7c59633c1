package webhook

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/deployhook/internal/config"
)

func newRequest(body string, headers map[string]string, ip string) *Request {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &Request{
		Method:   http.MethodPost,
		Path:     "/demo-app",
		Header:   h,
		Body:     []byte(body),
		SourceIP: ip,
	}
}

func githubRequest(body, secret string) *Request {
	return newRequest(body, map[string]string{
		"X-GitHub-Event":  "push",
		"X-Hub-Signature": githubSignature([]byte(body), secret),
	}, "192.30.252.1")
}

func gogsRequest(body, secret string) *Request {
	return newRequest(body, map[string]string{
		"X-Gogs-Event":     "push",
		"X-Gogs-Signature": gogsSignature([]byte(body), secret),
	}, "10.1.1.1")
}

func assertReason(t *testing.T, want Reason, got *RejectReason) {
	t.Helper()
	if want == "" {
		assert.Nil(t, got)
		return
	}
	require.NotNil(t, got, "expected rejection %s", want)
	assert.Equal(t, want, got.Code, got.Cause)
}

func TestValidateGithub(t *testing.T) {
	app := config.AppConfig{Name: "demo-app", Service: config.ServiceGitHub, Secret: "mysecret"}
	push := `{"ref":"refs/heads/main"}`

	tests := []struct {
		name   string
		app    func(a config.AppConfig) config.AppConfig
		req    func() *Request
		reason Reason
	}{
		{
			name: "valid signature",
			req:  func() *Request { return githubRequest(`{"a":1}`, "mysecret") },
		},
		{
			name: "tampered body",
			req: func() *Request {
				r := githubRequest(`{"a":1}`, "mysecret")
				r.Body = []byte(`{"a":2}`)
				return r
			},
			reason: ReasonSignatureMismatch,
		},
		{
			name:   "wrong secret",
			req:    func() *Request { return githubRequest(`{"a":1}`, "other") },
			reason: ReasonSignatureMismatch,
		},
		{
			name: "missing event header",
			req: func() *Request {
				r := githubRequest(`{"a":1}`, "mysecret")
				r.Header.Del("X-Github-Event")
				return r
			},
			reason: ReasonMissingHeaders,
		},
		{
			name: "missing signature header",
			req: func() *Request {
				r := githubRequest(`{"a":1}`, "mysecret")
				r.Header.Del("X-Hub-Signature")
				return r
			},
			reason: ReasonMissingHeaders,
		},
		{
			name: "matching branch",
			app:  func(a config.AppConfig) config.AppConfig { a.Branch = "main"; return a },
			req:  func() *Request { return githubRequest(push, "mysecret") },
		},
		{
			name:   "non-matching branch",
			app:    func(a config.AppConfig) config.AppConfig { a.Branch = "release"; return a },
			req:    func() *Request { return githubRequest(push, "mysecret") },
			reason: ReasonBranchMismatch,
		},
		{
			name:   "branch filter with malformed body",
			app:    func(a config.AppConfig) config.AppConfig { a.Branch = "main"; return a },
			req:    func() *Request { return githubRequest(`not json`, "mysecret") },
			reason: ReasonMalformedPayload,
		},
		{
			name:   "branch filter without ref",
			app:    func(a config.AppConfig) config.AppConfig { a.Branch = "main"; return a },
			req:    func() *Request { return githubRequest(`{"zen":"hi"}`, "mysecret") },
			reason: ReasonMissingField,
		},
		{
			name: "unknown service falls back to github",
			app:  func(a config.AppConfig) config.AppConfig { a.Service = "svn"; return a },
			req:  func() *Request { return githubRequest(`{"a":1}`, "mysecret") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := app
			if tt.app != nil {
				a = tt.app(a)
			}
			assertReason(t, tt.reason, Validate(a, tt.req()))
		})
	}
}

func TestValidateGogs(t *testing.T) {
	app := config.AppConfig{Name: "demo-app", Service: config.ServiceGogs, Secret: "mysecret"}

	assertReason(t, "", Validate(app, gogsRequest(`{"a":1}`, "mysecret")))

	tampered := gogsRequest(`{"a":1}`, "mysecret")
	tampered.Body = []byte(`{"a":1} `)
	assertReason(t, ReasonSignatureMismatch, Validate(app, tampered))

	prefixed := gogsRequest(`{"a":1}`, "mysecret")
	prefixed.Header.Set("X-Gogs-Signature", "sha256="+gogsSignature([]byte(`{"a":1}`), "mysecret"))
	assertReason(t, ReasonSignatureMismatch, Validate(app, prefixed))

	noHeaders := newRequest(`{"a":1}`, nil, "10.1.1.1")
	assertReason(t, ReasonMissingHeaders, Validate(app, noHeaders))

	app.Branch = "main"
	assertReason(t, "", Validate(app, gogsRequest(`{"ref":"refs/heads/main"}`, "mysecret")))
	assertReason(t, ReasonBranchMismatch, Validate(app, gogsRequest(`{"ref":"refs/heads/dev"}`, "mysecret")))
}

func TestValidateGitlab(t *testing.T) {
	app := config.AppConfig{Name: "demo-app", Service: config.ServiceGitLab, Secret: "token123"}
	withToken := func(body, token string) *Request {
		return newRequest(body, map[string]string{"X-Gitlab-Token": token}, "10.0.0.1")
	}

	assertReason(t, "", Validate(app, withToken(`{}`, "token123")))
	assertReason(t, ReasonSignatureMismatch, Validate(app, withToken(`{}`, "token124")))
	assertReason(t, ReasonMissingHeaders, Validate(app, newRequest(`{}`, nil, "10.0.0.1")))

	app.Branch = "main"
	assertReason(t, "", Validate(app, withToken(`{"ref":"refs/heads/main"}`, "token123")))
	assertReason(t, ReasonBranchMismatch, Validate(app, withToken(`{"ref":"refs/heads/feature"}`, "token123")))
}

func TestValidateJenkins(t *testing.T) {
	app := config.AppConfig{Name: "demo-app", Service: config.ServiceJenkins, Secret: "10.0.0"}
	success := `{"build":{"status":"SUCCESS","scm":{"branch":"origin/main"}}}`

	tests := []struct {
		name   string
		branch string
		body   string
		ip     string
		reason Reason
	}{
		{name: "matching ip and success", body: success, ip: "10.0.0.99"},
		{name: "substring ip match is preserved", body: success, ip: "110.0.0.1"},
		{name: "ip mismatch", body: success, ip: "192.168.1.1", reason: ReasonSourceIPDenied},
		{name: "failed build", body: `{"build":{"status":"FAILURE"}}`, ip: "10.0.0.5", reason: ReasonBuildNotSuccessful},
		{name: "malformed body", body: `{`, ip: "10.0.0.5", reason: ReasonMalformedPayload},
		{name: "missing build", body: `{}`, ip: "10.0.0.5", reason: ReasonMissingField},
		{name: "matching branch", branch: "main", body: success, ip: "10.0.0.5"},
		{name: "non-matching branch", branch: "release", body: success, ip: "10.0.0.5", reason: ReasonBranchMismatch},
		{name: "branch set but no scm", branch: "main", body: `{"build":{"status":"SUCCESS"}}`, ip: "10.0.0.5", reason: ReasonMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := app
			a.Branch = tt.branch
			assertReason(t, tt.reason, Validate(a, newRequest(tt.body, nil, tt.ip)))
		})
	}
}

func TestValidateDroneCI(t *testing.T) {
	app := config.AppConfig{Name: "demo-app", Service: config.ServiceDroneCI, Secret: "drone-secret"}
	withAuth := func(body, auth string) *Request {
		return newRequest(body, map[string]string{"Authorization": auth}, "10.0.0.2")
	}
	success := `{"build":{"status":"SUCCESS","branch":"main"}}`

	assertReason(t, "", Validate(app, withAuth(success, "drone-secret")))
	assertReason(t, ReasonMissingHeaders, Validate(app, newRequest(success, nil, "10.0.0.2")))
	assertReason(t, ReasonSignatureMismatch, Validate(app, withAuth(success, "nope")))
	assertReason(t, ReasonBuildNotSuccessful, Validate(app, withAuth(`{"build":{"status":"ERROR"}}`, "drone-secret")))
	assertReason(t, ReasonMalformedPayload, Validate(app, withAuth(`[`, "drone-secret")))

	app.Branch = "main"
	assertReason(t, "", Validate(app, withAuth(success, "drone-secret")))
	app.Branch = "develop"
	assertReason(t, ReasonBranchMismatch, Validate(app, withAuth(success, "drone-secret")))
}

func TestValidateBitbucket(t *testing.T) {
	app := config.AppConfig{Name: "demo-app", Service: config.ServiceBitbucket}
	push := `{"push":{"changes":[{"new":{"name":"main"}}]}}`

	tests := []struct {
		name   string
		secret string
		branch string
		body   string
		ip     string
		reason Reason
	}{
		{name: "default range accepts", body: push, ip: "104.192.143.5"},
		{name: "default range rejects", body: push, ip: "8.8.8.8", reason: ReasonSourceIPDenied},
		{name: "mapped ipv4 accepted", body: push, ip: "::ffff:104.192.143.5"},
		{name: "unparseable ip", body: push, ip: "unknown", reason: ReasonSourceIPDenied},
		{name: "custom range", secret: "10.10.0.0/16", body: push, ip: "10.10.3.4"},
		{name: "custom range rejects default", secret: "10.10.0.0/16", body: push, ip: "104.192.143.5", reason: ReasonSourceIPDenied},
		{name: "missing push", body: `{"repository":{}}`, ip: "104.192.143.5", reason: ReasonMissingField},
		{name: "malformed body checked first", body: `nope`, ip: "8.8.8.8", reason: ReasonMalformedPayload},
		{name: "matching branch", branch: "main", body: push, ip: "104.192.143.5"},
		{name: "non-matching branch", branch: "release", body: push, ip: "104.192.143.5", reason: ReasonBranchMismatch},
		{name: "branch set without changes", branch: "main", body: `{"push":{"changes":[]}}`, ip: "104.192.143.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := app
			a.Secret = tt.secret
			a.Branch = tt.branch
			assertReason(t, tt.reason, Validate(a, newRequest(tt.body, nil, tt.ip)))
		})
	}
}

func TestRejectReasonDiagnostic(t *testing.T) {
	orig := now
	now = func() time.Time { return time.Date(2024, time.March, 7, 9, 5, 3, 0, time.UTC) }
	defer func() { now = orig }()

	rej := Validate(config.AppConfig{Name: "demo-app", Service: config.ServiceGitLab, Secret: "x"}, newRequest(`{}`, nil, ""))
	require.NotNil(t, rej)

	diag := rej.Diagnostic()
	assert.True(t, strings.HasPrefix(diag, "[07-03-2024 09:05:03.00 +00:00] App: demo-app Error: "), diag)
	assert.Contains(t, diag, "no headers found")
	assert.Contains(t, rej.Error(), string(ReasonMissingHeaders))
}

func TestSourceIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"peer address", "192.0.2.1:5555", "", "192.0.2.1"},
		{"forwarded first entry", "10.0.0.1:1", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"mapped ipv6 peer", "[::ffff:104.192.143.7]:443", "", "104.192.143.7"},
		{"ipv6 peer", "[2001:db8::1]:443", "", "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodPost, "/app", nil)
			require.NoError(t, err)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, SourceIP(r))
		})
	}
}

func TestAppName(t *testing.T) {
	assert.Equal(t, "demo-app", AppName("/demo-app"))
	assert.Equal(t, "api", AppName("/hooks/deploy/api"))
	assert.Equal(t, "", AppName("/"))
	assert.Equal(t, "", AppName("/hooks/"))
}
