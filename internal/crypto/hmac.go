package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// RelayAuth holds the API credentials for the trade relay. Requests are
// authenticated with HMAC-SHA256 over timestamp+method+path+body.
type RelayAuth struct {
	Key    string
	Secret string
}

// Headers returns the authentication headers for one relay request.
func (a *RelayAuth) Headers(method, path, body string) map[string]string {
	return a.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp, for
// deterministic testing.
func (a *RelayAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	mac := hmac.New(sha256.New, []byte(a.Secret))
	mac.Write([]byte(ts + method + path + body))
	return map[string]string{
		"X-Arb-Key":       a.Key,
		"X-Arb-Timestamp": ts,
		"X-Arb-Signature": base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// String returns a redacted form safe for logging.
func (a *RelayAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("RelayAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}
