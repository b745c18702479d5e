package facebook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"

	"botdriver/pkg/config"
)

const (
	// SignatureHeader carries the HMAC-SHA256 of the raw webhook body.
	SignatureHeader = "X-Hub-Signature-256"

	subscribeMode   = "subscribe"
	signaturePrefix = "sha256="
)

// Challenge answers a GET subscription request carrying hub.mode,
// hub.verify_token and hub.challenge.
func (d *Driver) Challenge(query url.Values) (string, bool) {
	return VerifyChallenge(d.cfg, query.Get("hub.mode"), query.Get("hub.verify_token"), query.Get("hub.challenge"))
}

// VerifyRequest checks the delivery's X-Hub-Signature-256 header.
func (d *Driver) VerifyRequest(header http.Header, body []byte) bool {
	return VerifySignature(d.cfg.AppSecret, header.Get(SignatureHeader), body)
}

// VerifyChallenge answers the webhook subscription handshake. It returns the
// challenge to echo back when mode and token match the configured token.
func VerifyChallenge(cfg config.FacebookConfig, mode string, token string, challenge string) (string, bool) {
	expected := strings.TrimSpace(cfg.VerifyToken)
	if expected == "" || mode != subscribeMode {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return "", false
	}

	return challenge, true
}

// VerifySignature checks header against the app secret. An empty secret
// disables verification.
func VerifySignature(appSecret string, header string, body []byte) bool {
	if appSecret == "" {
		return true
	}

	signature, ok := strings.CutPrefix(strings.TrimSpace(header), signaturePrefix)
	if !ok || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// Sign returns the header value a webhook for body would carry.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
