package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionID(t *testing.T) {
	t.Run("accepts opaque identifiers", func(t *testing.T) {
		for _, in := range []string{"sess-1", "a", "0x9fB3...cafe", strings.Repeat("x", 128)} {
			id, err := ParseSessionID(in)
			require.NoError(t, err, "input %q", in)
			assert.Equal(t, in, id.String())
		}
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := ParseSessionID("")
		assert.Error(t, err)
	})

	t.Run("rejects oversized", func(t *testing.T) {
		_, err := ParseSessionID(strings.Repeat("x", 129))
		assert.Error(t, err)
	})

	t.Run("rejects whitespace and control characters", func(t *testing.T) {
		for _, in := range []string{"has space", "tab\there", "line\nbreak", "bell\x07"} {
			_, err := ParseSessionID(in)
			assert.Error(t, err, "input %q", in)
		}
	})
}

func TestParseAddress(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		addr, err := ParseAddress("merchant-primary")
		require.NoError(t, err)
		assert.False(t, addr.IsNil())
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseAddress("")
		assert.Error(t, err)
		assert.True(t, Address("").IsNil())
	})
}
