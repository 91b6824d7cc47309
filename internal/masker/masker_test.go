package masker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskTimestampAndIP(t *testing.T) {
	m := New(false)
	out, _ := m.Mask("2024-01-15T10:00:00Z ERROR db connect timeout 1.2.3.4")
	assert.Contains(t, out, "<TIMESTAMP>")
	assert.Contains(t, out, "<IP>")
	assert.NotContains(t, out, "1.2.3.4")
}

func TestMaskUUIDEmailURL(t *testing.T) {
	m := New(false)
	out, _ := m.Mask("user 550e8400-e29b-41d4-a716-446655440000 email a@b.com visited https://x.com/y")
	assert.Contains(t, out, "<UUID>")
	assert.Contains(t, out, "<EMAIL>")
	assert.Contains(t, out, "<URL>")
}

func TestMaskNumeric(t *testing.T) {
	m := New(false)
	out, _ := m.Mask("latency_ms=123.45 count=-7")
	assert.Contains(t, out, "<NUM>")
	assert.NotContains(t, out, "123.45")
}

func TestMaskIdempotent(t *testing.T) {
	m := New(false)
	once, _ := m.Mask("ERROR db connect timeout 1.2.3.4 at 2024-01-15T10:00:00Z")
	twice, _ := m.Mask(once)
	assert.Equal(t, once, twice)
}

func TestMaskNoNesting(t *testing.T) {
	m := New(false)
	out, _ := m.Mask("id deadbeefcafebabe")
	assert.NotContains(t, out, "<HEX><NUM>")
}

func TestFastPathCombinedLog(t *testing.T) {
	m := New(true)
	line := `127.0.0.1 - - [10/Oct/2023:13:55:36 -0700] "GET /api/widgets HTTP/1.1" 200 1024 "-" "curl/7.0"`
	out, fp := m.Mask(line)
	require.True(t, fp.Fired)
	assert.Greater(t, fp.Confidence, 0.5)
	assert.Contains(t, out, "<CLIENT_IP>")
	assert.Contains(t, out, "<HTTP_METHOD>")
	assert.Contains(t, out, "<STATUS_CODE>")
}

func TestLocalCacheHitAvoidsRemask(t *testing.T) {
	m := New(false)
	cache := NewLocalCache(4)

	first, _ := m.MaskCached("ERROR 1.2.3.4", cache)
	second, _ := m.MaskCached("ERROR 1.2.3.4", cache)
	assert.Equal(t, first, second)
}

func TestLocalCacheEviction(t *testing.T) {
	cache := NewLocalCache(2)
	cache.Put(1, "a", FastPathResult{})
	cache.Put(2, "b", FastPathResult{})
	cache.Put(3, "c", FastPathResult{})

	_, _, ok := cache.Get(1)
	assert.False(t, ok, "oldest entry should have been evicted")

	v, _, ok := cache.Get(3)
	require.True(t, ok)
	assert.Equal(t, "c", v)
}
