package edge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func signFor(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s", timestamp, body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"1-2","type":"webhook"}`)
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := signFor("s3cret", ts, body)

	assert.True(t, VerifySignature("s3cret", sig, ts, body))
	assert.False(t, VerifySignature("s3cret", sig, ts, []byte(`{"tampered":true}`)), "tampered body")
	assert.False(t, VerifySignature("other", sig, ts, body), "wrong secret")
	assert.False(t, VerifySignature("s3cret", sig, "1", body), "wrong timestamp")
	assert.False(t, VerifySignature("s3cret", "md5=abc", ts, body), "wrong scheme prefix")
}

func TestVerifyRequestFreshness(t *testing.T) {
	body := []byte(`{}`)
	now := time.Now()

	fresh := strconv.FormatInt(now.UnixMilli(), 10)
	assert.True(t, VerifyRequest("s3cret", signFor("s3cret", fresh, body), fresh, body, now))

	stale := strconv.FormatInt(now.Add(-10*time.Minute).UnixMilli(), 10)
	assert.False(t, VerifyRequest("s3cret", signFor("s3cret", stale, body), stale, body, now), "stale timestamp")

	future := strconv.FormatInt(now.Add(10*time.Minute).UnixMilli(), 10)
	assert.False(t, VerifyRequest("s3cret", signFor("s3cret", future, body), future, body, now), "future timestamp")

	assert.False(t, VerifyRequest("s3cret", "sha256=00", "not-a-number", body, now), "unparseable timestamp")
}
