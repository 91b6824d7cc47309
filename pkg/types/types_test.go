package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageFor(t *testing.T) {
	plain := &ParsedRecord{Kind: KindPlaintext, Text: "hello world"}
	assert.Equal(t, "hello world", plain.MessageFor())

	jsonRec := &ParsedRecord{Kind: KindJSON, Text: `{"a":1}`, SyntheticMessage: "a=1"}
	assert.Equal(t, "a=1", jsonRec.MessageFor())
}

func TestOrder(t *testing.T) {
	t0 := time.Unix(100, 0)
	t1 := time.Unix(200, 0)

	assert.True(t, Order(t0, "a", 1, t1, "a", 0))
	assert.True(t, Order(t0, "a", 5, t0, "b", 0))
	assert.True(t, Order(t0, "a", 1, t0, "a", 2))
	assert.False(t, Order(t0, "a", 2, t0, "a", 1))
}
