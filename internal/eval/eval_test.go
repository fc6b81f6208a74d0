package eval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddScriptValidAndEval(t *testing.T) {
	e := NewEngine()
	defer e.Close()

	ok := e.AddScript(`node.health = node.kid("pod1") - 10
node.severity = 2
node.alert = node.health < 50`, 7)
	require.True(t, ok)

	h := NewNodeHealth()
	h.ID = 7
	h.SetKid("pod1", 40)

	require.NoError(t, e.Eval(h))
	require.Equal(t, uint8(30), h.Health)
	require.Equal(t, uint8(2), h.Severity)
	require.True(t, h.Alert)
}

func TestAddScriptInvalidInstallsNoop(t *testing.T) {
	e := NewEngine()
	defer e.Close()

	ok := e.AddScript(`this is not lua (((`, 3)
	require.False(t, ok)

	h := NewNodeHealth()
	h.ID = 3
	h.Health = 77
	h.Severity = 1
	h.Alert = true

	require.NoError(t, e.Eval(h))
	// no-op script returns node.dump() unmodified, so the packed value must
	// round-trip the fields exactly as they were set before Eval.
	require.Equal(t, uint8(77), h.Health)
	require.Equal(t, uint8(1), h.Severity)
	require.True(t, h.Alert)
}

func TestDumpPacksFields(t *testing.T) {
	h := NewNodeHealth()
	h.Health = 12
	h.Severity = 3
	h.Alert = true

	word := h.Dump()
	require.Equal(t, uint8(12), uint8(word&0xff))
	require.Equal(t, uint8(3), uint8((word>>8)&0xff))
	require.True(t, (word&0x10000) > 0)
}

func TestKidHealthUnknownDefaultsZero(t *testing.T) {
	h := NewNodeHealth()
	require.Equal(t, uint8(0), h.kidHealth("nope"))
}
