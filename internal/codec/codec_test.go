package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLittleEndianRoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	PutU32LE(buf, 0xdeadbeef)
	require.Equal(t, uint32(0xdeadbeef), GetU32LE(buf))

	buf16 := make([]byte, 2)
	PutU16LE(buf16, 0xe001)
	require.Equal(t, uint16(0xe001), GetU16LE(buf16))
}

func TestJSONDefaults(t *testing.T) {
	raw := JSON{"name": "leaf", "interval": float64(10), "enabled": true}

	require.Equal(t, "leaf", raw.GetString("name", "x"))
	require.Equal(t, "fallback", raw.GetString("missing", "fallback"))
	require.Equal(t, uint64(10), raw.GetUint64("interval", 0))
	require.True(t, raw.GetBool("enabled", false))
	require.False(t, raw.GetBool("missing", false))
}
