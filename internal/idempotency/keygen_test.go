package idempotency

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateKey_Stable(t *testing.T) {
	body := []byte(`{"events":[1,2,3]}`)
	a := GenerateKey("post", "https://collector.example.com/v1/events", "sdk-js", body)
	b := GenerateKey("POST", "https://collector.example.com/v1/events", "sdk-js", body)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "POST:"))
}

func TestGenerateKey_DistinctInputs(t *testing.T) {
	body := []byte(`{"events":[1]}`)
	base := GenerateKey("POST", "https://collector.example.com/v1/events", "sdk-js", body)

	assert.NotEqual(t, base, GenerateKey("PUT", "https://collector.example.com/v1/events", "sdk-js", body))
	assert.NotEqual(t, base, GenerateKey("POST", "https://collector.example.com/v2/events", "sdk-js", body))
	assert.NotEqual(t, base, GenerateKey("POST", "https://collector.example.com/v1/events", "sdk-go", body))
	assert.NotEqual(t, base, GenerateKey("POST", "https://collector.example.com/v1/events", "sdk-js", []byte(`{"events":[2]}`)))
}

func TestHashBody_Deterministic(t *testing.T) {
	assert.Equal(t, HashBody([]byte("payload")), HashBody([]byte("payload")))
	assert.NotEqual(t, HashBody([]byte("payload")), HashBody([]byte("payload2")))
	assert.Len(t, HashBody(nil), 64)
}

func TestNewFingerprint_NormalizesHeaders(t *testing.T) {
	fp := NewFingerprint("post", "https://collector.example.com/v1/events",
		map[string]string{"Content-Type": "application/json", "X-Caller": "sdk"}, []byte("{}"))

	assert.Equal(t, "POST", fp.Method)
	assert.Equal(t, "application/json", fp.Headers["content-type"])
	assert.Equal(t, "sdk", fp.Headers["x-caller"])
	assert.Len(t, fp.BodyHash, 64)
}
