// Package webhook verifies and parses source-control push notifications and
// turns them into pending jobs.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Flavor identifies a supported source-control webhook dialect.
type Flavor string

const (
	FlavorGitea  Flavor = "gitea"
	FlavorGithub Flavor = "github"
)

// SignatureHeader returns the request header carrying the HMAC for a flavor.
func (f Flavor) SignatureHeader() string {
	switch f {
	case FlavorGithub:
		return "X-Hub-Signature-256"
	default:
		return "X-Gitea-Signature"
	}
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature header value against the raw
// request body. Gitea sends the bare hex digest; GitHub prefixes it with
// "sha256=", which is stripped before comparison. The digest comparison is
// constant-time; mismatched lengths fail without comparing.
func VerifySignature(secret, body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := mac.Sum(nil)
	if len(got) != len(want) {
		return false
	}
	return hmac.Equal(got, want)
}
