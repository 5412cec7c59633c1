package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
)

// computeSignature returns the hex-encoded HMAC of body keyed with secret.
func computeSignature(newHash func() hash.Hash, body []byte, secret string) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// githubSignature is the X-Hub-Signature value GitHub sends for body.
func githubSignature(body []byte, secret string) string {
	return "sha1=" + computeSignature(sha1.New, body, secret)
}

// gogsSignature is the X-Gogs-Signature value Gogs sends for body.
func gogsSignature(body []byte, secret string) string {
	return computeSignature(sha256.New, body, secret)
}

// secureEqual compares two strings in constant time.
func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
