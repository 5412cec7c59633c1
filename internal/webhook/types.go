package webhook

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/deployhook/internal/log"
)

// Request is one buffered webhook delivery.
type Request struct {
	Method   string
	Path     string
	Header   http.Header
	Body     []byte
	SourceIP string
}

// NewRequest captures r together with its already-read body.
func NewRequest(r *http.Request, body []byte) *Request {
	return &Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		Header:   r.Header,
		Body:     body,
		SourceIP: SourceIP(r),
	}
}

// AppName returns the target application: the last segment of the path.
func (r *Request) AppName() string {
	return AppName(r.Path)
}

// AppName returns the last segment of path, or "" if it is empty.
func AppName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// SourceIP is the first X-Forwarded-For entry, else the peer address.
// IPv4-mapped IPv6 prefixes are stripped.
func SourceIP(r *http.Request) string {
	ip := ""
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if ip == "" {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		}
	}
	return strings.TrimPrefix(ip, "::ffff:")
}

// Reason classifies why a delivery was rejected.
type Reason string

const (
	ReasonMissingHeaders     Reason = "missing_headers"
	ReasonSignatureMismatch  Reason = "signature_mismatch"
	ReasonBranchMismatch     Reason = "branch_mismatch"
	ReasonBuildNotSuccessful Reason = "build_not_successful"
	ReasonSourceIPDenied     Reason = "source_ip_denied"
	ReasonMissingField       Reason = "missing_field"
	ReasonMalformedPayload   Reason = "malformed_payload"
)

// RejectReason is returned by Validate for deliveries that are not
// authentic or not relevant. It is only ever logged.
type RejectReason struct {
	Code  Reason
	App   string
	Cause string
	At    time.Time
}

func (r *RejectReason) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Cause)
}

// Diagnostic renders the human-readable log line for the rejection.
func (r *RejectReason) Diagnostic() string {
	return fmt.Sprintf("[%s] App: %s Error: %s", log.Timestamp(r.At), r.App, r.Cause)
}

// Config holds the dispatcher's listener settings.
type Config struct {
	Listen      string
	MaxBodySize int64

	// ShutdownTimeout bounds how long Start waits for in-flight pipelines.
	ShutdownTimeout time.Duration
}

// DefaultMaxBodySize bounds a buffered delivery body.
const DefaultMaxBodySize = 1048576 // 1 MB
