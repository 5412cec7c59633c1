package webhook

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/mattjoyce/deployhook/internal/config"
)

var now = time.Now

type refPayload struct {
	Ref *string `json:"ref"`
}

type buildPayload struct {
	Build *struct {
		Status string  `json:"status"`
		Branch *string `json:"branch"`
		SCM    *struct {
			Branch *string `json:"branch"`
		} `json:"scm"`
	} `json:"build"`
}

type bitbucketPayload struct {
	Push *struct {
		Changes []struct {
			New *struct {
				Name string `json:"name"`
			} `json:"new"`
		} `json:"changes"`
	} `json:"push"`
}

// Validate checks that req is an authentic and relevant delivery for app.
// It returns nil when the pipeline should run. Checks run in a fixed order
// per service and the first failing one is reported.
func Validate(app config.AppConfig, req *Request) *RejectReason {
	v := validation{app: app, req: req}
	switch app.Service {
	case config.ServiceGitLab:
		return v.gitlab()
	case config.ServiceJenkins:
		return v.jenkins()
	case config.ServiceDroneCI:
		return v.droneci()
	case config.ServiceBitbucket:
		return v.bitbucket()
	case config.ServiceGogs:
		return v.gogs()
	default:
		return v.github()
	}
}

type validation struct {
	app config.AppConfig
	req *Request
}

func (v validation) reject(code Reason, format string, args ...any) *RejectReason {
	return &RejectReason{
		Code:  code,
		App:   v.app.Name,
		Cause: fmt.Sprintf(format, args...),
		At:    now(),
	}
}

func (v validation) decode(dst any) *RejectReason {
	if err := json.Unmarshal(v.req.Body, dst); err != nil {
		return v.reject(ReasonMalformedPayload, "invalid JSON payload for app %s: %v", v.app.Name, err)
	}
	return nil
}

func (v validation) missingHeaders() *RejectReason {
	return v.reject(ReasonMissingHeaders, "received invalid request for app %s (no headers found)", v.app.Name)
}

func (v validation) branchMismatch(got string) *RejectReason {
	return v.reject(ReasonBranchMismatch, "received valid hook but with a branch %s than configured for app %s", got, v.app.Name)
}

// refBranch applies the branch filter to a push payload's "ref" field.
func (v validation) refBranch() *RejectReason {
	if v.app.Branch == "" {
		return nil
	}
	var body refPayload
	if rej := v.decode(&body); rej != nil {
		return rej
	}
	if body.Ref == nil {
		return v.reject(ReasonMissingField, "payload for app %s has no ref", v.app.Name)
	}
	if !strings.Contains(*body.Ref, "refs/heads/"+v.app.Branch) {
		return v.branchMismatch(*body.Ref)
	}
	return nil
}

func (v validation) github() *RejectReason {
	event := v.req.Header.Get("X-Github-Event")
	signature := v.req.Header.Get("X-Hub-Signature")
	if event == "" || signature == "" {
		return v.missingHeaders()
	}
	if !secureEqual(githubSignature(v.req.Body, v.app.Secret), signature) {
		return v.reject(ReasonSignatureMismatch, "received invalid request for app %s", v.app.Name)
	}
	return v.refBranch()
}

func (v validation) gogs() *RejectReason {
	event := v.req.Header.Get("X-Gogs-Event")
	signature := v.req.Header.Get("X-Gogs-Signature")
	if event == "" || signature == "" {
		return v.missingHeaders()
	}
	if !secureEqual(gogsSignature(v.req.Body, v.app.Secret), signature) {
		return v.reject(ReasonSignatureMismatch, "received invalid request for app %s", v.app.Name)
	}
	return v.refBranch()
}

func (v validation) gitlab() *RejectReason {
	token := v.req.Header.Get("X-Gitlab-Token")
	if token == "" {
		return v.missingHeaders()
	}
	if !secureEqual(token, v.app.Secret) {
		return v.reject(ReasonSignatureMismatch, "received invalid request for app %s (not matching secret)", v.app.Name)
	}
	return v.refBranch()
}

func (v validation) jenkins() *RejectReason {
	// Substring match on the source address, kept for compatibility with
	// existing configs: "10.0.0" also admits "110.0.0.1".
	if !strings.Contains(v.req.SourceIP, v.app.Secret) {
		return v.reject(ReasonSourceIPDenied, "received request from %s for app %s but ip configured was %s", v.req.SourceIP, v.app.Name, v.app.Secret)
	}

	var body buildPayload
	if rej := v.decode(&body); rej != nil {
		return rej
	}
	if body.Build == nil {
		return v.reject(ReasonMissingField, "payload for app %s has no build", v.app.Name)
	}
	if body.Build.Status != "SUCCESS" {
		return v.reject(ReasonBuildNotSuccessful, "received valid hook but with failure build for app %s", v.app.Name)
	}
	if v.app.Branch == "" {
		return nil
	}
	if body.Build.SCM == nil || body.Build.SCM.Branch == nil {
		return v.reject(ReasonMissingField, "payload for app %s has no build.scm.branch", v.app.Name)
	}
	if !strings.Contains(*body.Build.SCM.Branch, v.app.Branch) {
		return v.branchMismatch(*body.Build.SCM.Branch)
	}
	return nil
}

func (v validation) droneci() *RejectReason {
	auth := v.req.Header.Get("Authorization")
	if auth == "" {
		return v.missingHeaders()
	}
	if !secureEqual(auth, v.app.Secret) {
		return v.reject(ReasonSignatureMismatch, "received request from %s for app %s but incorrect secret", v.req.SourceIP, v.app.Name)
	}

	var body buildPayload
	if rej := v.decode(&body); rej != nil {
		return rej
	}
	if body.Build == nil {
		return v.reject(ReasonMissingField, "payload for app %s has no build", v.app.Name)
	}
	if body.Build.Status != "SUCCESS" {
		return v.reject(ReasonBuildNotSuccessful, "received valid hook but with failure build for app %s", v.app.Name)
	}
	if v.app.Branch == "" {
		return nil
	}
	if body.Build.Branch == nil {
		return v.reject(ReasonMissingField, "payload for app %s has no build.branch", v.app.Name)
	}
	if !strings.Contains(*body.Build.Branch, v.app.Branch) {
		return v.branchMismatch(*body.Build.Branch)
	}
	return nil
}

func (v validation) bitbucket() *RejectReason {
	var body bitbucketPayload
	if rej := v.decode(&body); rej != nil {
		return rej
	}

	cidr := v.app.Secret
	if cidr == "" {
		cidr = config.DefaultBitbucketCIDR
	}
	if !prefixContains(cidr, v.req.SourceIP) {
		return v.reject(ReasonSourceIPDenied, "received request from %s for app %s but ip configured was %s", v.req.SourceIP, v.app.Name, cidr)
	}

	if body.Push == nil {
		return v.reject(ReasonMissingField, "received valid hook but without 'push' data for app %s", v.app.Name)
	}
	if v.app.Branch == "" || len(body.Push.Changes) == 0 {
		return nil
	}
	change := body.Push.Changes[0]
	if change.New == nil {
		return v.reject(ReasonMissingField, "payload for app %s has no push.changes[0].new", v.app.Name)
	}
	if !strings.Contains(change.New.Name, v.app.Branch) {
		return v.branchMismatch(change.New.Name)
	}
	return nil
}

// prefixContains reports whether ip lies in cidr. Unparseable input never matches.
func prefixContains(cidr, ip string) bool {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return prefix.Contains(addr.Unmap())
}
