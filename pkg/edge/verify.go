package edge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// MaxSignatureAge is how far a push timestamp may lag before VerifyRequest
// rejects it. Generous; it only needs to defeat replay of captured requests.
const MaxSignatureAge = 5 * time.Minute

// VerifySignature checks a pushed webhook against the registration secret.
// signature is the X-Webhook-Signature header ("sha256=<hex>"), timestamp
// the X-Webhook-Timestamp header (unix milliseconds), body the raw request
// body. Comparison is constant time.
func VerifySignature(secret, signature, timestamp string, body []byte) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(hexSig))
}

// VerifyRequest is VerifySignature plus a freshness check on the timestamp.
func VerifyRequest(secret, signature, timestamp string, body []byte, now time.Time) bool {
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	sent := time.UnixMilli(ms)
	if now.Sub(sent) > MaxSignatureAge || sent.Sub(now) > MaxSignatureAge {
		return false
	}
	return VerifySignature(secret, signature, timestamp, body)
}
