package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Fingerprint identifies the logical request behind an idempotency key
type Fingerprint struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	BodyHash  string            `json:"body_hash"`
	Timestamp time.Time         `json:"timestamp"`
}

// HashBody returns a stable hex-encoded hash of a request body
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// GenerateKey builds a stable idempotency key from the request identity.
// Exposed so callers can construct keys without depending on internal
// hashing details.
func GenerateKey(method, url, caller string, body []byte) string {
	return fmt.Sprintf("%s:%s:%s:%s",
		strings.ToUpper(method), url, caller, HashBody(body)[:16])
}

// NewFingerprint captures the request identity for storage alongside the key
func NewFingerprint(method, url string, headers map[string]string, body []byte) Fingerprint {
	fp := Fingerprint{
		Method:    strings.ToUpper(method),
		URL:       url,
		BodyHash:  HashBody(body),
		Timestamp: time.Now(),
	}
	if len(headers) > 0 {
		fp.Headers = make(map[string]string, len(headers))
		keys := make([]string, 0, len(headers))
		for k := range headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fp.Headers[strings.ToLower(k)] = headers[k]
		}
	}
	return fp
}
