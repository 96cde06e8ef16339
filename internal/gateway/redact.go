package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/slothai/gateway/internal/channel"
)

const redactedMark = "***"

// minSecretLen keeps short credential fields (region codes, flags) from
// mangling unrelated text.
const minSecretLen = 8

// CredentialTag is a short fingerprint of credential that is safe to log and
// store. Equal credentials share a tag.
func CredentialTag(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return "sha256-" + hex.EncodeToString(sum[:])[:12]
}

// scrub replaces every occurrence of secrets in msg, raw or path-escaped.
func scrub(msg string, secrets ...string) string {
	for _, secret := range secrets {
		if len(secret) < minSecretLen {
			continue
		}
		msg = strings.ReplaceAll(msg, secret, redactedMark)
		if escaped := url.PathEscape(secret); escaped != secret {
			msg = strings.ReplaceAll(msg, escaped, redactedMark)
		}
		if escaped := url.QueryEscape(secret); escaped != secret {
			msg = strings.ReplaceAll(msg, escaped, redactedMark)
		}
	}
	return msg
}

func secretsOf(creds channel.Credentials, extra ...string) []string {
	out := make([]string, 0, len(creds)+len(extra))
	for _, v := range creds {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	for _, v := range extra {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// redactedError hides secrets from Error() while keeping the chain for errors.Is.
type redactedError struct {
	err error
	msg string
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, secrets ...string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	clean := scrub(msg, secrets...)
	if clean == msg {
		return err
	}
	return &redactedError{err: err, msg: clean}
}
