package dracarys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightswatch/nightswatch/internal/codec"
)

func TestTargetRoundTrip(t *testing.T) {
	buf := EncodeTarget(7, []string{".app1.svc", ".app2.svc"}, "pod1", `{"a":1}`)
	f, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, FlagTarget, f.Flag)
	require.Equal(t, uint16(7), f.ID)
	require.Equal(t, []string{".app1.svc", ".app2.svc"}, f.Paths)
	require.Equal(t, "pod1", f.Name)
	require.Equal(t, `{"a":1}`, f.Extra)
}

func TestReportRoundTrip(t *testing.T) {
	buf := EncodeReport(3, 42)
	f, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, FlagReport, f.Flag)
	require.Equal(t, uint8(42), f.HealthStatus)
}

func TestMessageRoundTrip(t *testing.T) {
	buf := EncodeMessage(1, "hello there")
	f, _, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, FlagMessage, f.Flag)
	require.Equal(t, "hello there", f.Data)
}

func TestMetricRoundTrip(t *testing.T) {
	samples := []MetricSample{
		{Name: "cpu", Value: "0.42", Time: codec.Now()},
		{Name: "mem", Value: "128", Time: codec.Now()},
	}
	buf := EncodeMetric(9, true, samples)
	f, _, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, FlagMetric, f.Flag)
	require.True(t, f.Relative)
	require.Equal(t, samples, f.Metrics)
}

func TestDecodeNeedsMoreBytes(t *testing.T) {
	buf := EncodeReport(1, 5)
	_, _, err := Decode(buf[:4])
	require.ErrorIs(t, err, ErrNeedMore)

	_, _, err = Decode(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrNeedMore)
}

func TestDecodeUnknownFlagIsInvalid(t *testing.T) {
	buf := EncodeReport(1, 5)
	codec.PutU16LE(buf[0:2], 0xEF00)
	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrInvalidData)
}

func TestDecodeTruncatedStringIsInvalid(t *testing.T) {
	buf := EncodeMessage(1, "hello there")
	// Corrupt the string's declared length to run past the frame body.
	codec.PutU16LE(buf[headerLen:headerLen+2], 0xFFFF)
	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrInvalidData)
}
