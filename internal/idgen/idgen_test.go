package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("msg_")
	assert.True(t, strings.HasPrefix(id, "msg_"))
	assert.Len(t, id, len("msg_")+24)
	assert.NotEqual(t, id, WithPrefix("msg_"))
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(8), 16)
	assert.Empty(t, Hex(0))
}
