// Package webhook receives deliveries from source-control and CI services and
// decides which ones may trigger a deployment.
//
// # Request Flow
//
//  1. POST arrives at /<app> (any prefix; the last path segment names the app)
//  2. Body is buffered, bounded by max_body_size
//  3. 200 "OK" is written; the sender never waits for the deployment
//  4. Unknown or empty app names are dropped
//  5. Validate runs the per-service checks
//  6. Accepted deliveries start the pipeline in their own goroutine
//
// GET requests are handed to the report server. Any other method gets 200 "N/A".
//
// # Service Checks
//
//   - github: X-Github-Event and X-Hub-Signature present, "sha1=" HMAC-SHA1 match,
//     optional branch filter on ref
//   - gogs: X-Gogs-Event and X-Gogs-Signature present, bare hex HMAC-SHA256 match,
//     optional branch filter on ref
//   - gitlab: X-Gitlab-Token equals the secret, optional branch filter on ref
//   - jenkins: source IP contains the secret, build.status SUCCESS,
//     optional branch filter on build.scm.branch
//   - droneci: Authorization equals the secret, build.status SUCCESS,
//     optional branch filter on build.branch
//   - bitbucket: source IP inside the secret CIDR (default 104.192.143.0/24),
//     push present, optional branch filter on the first change
//
// Secrets and signatures are compared with crypto/subtle. Rejections are only
// logged; the HTTP response never reveals them.
package webhook
