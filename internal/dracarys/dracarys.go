// Package dracarys implements the wire protocol between Rangers and the
// Watcher described in spec.md §4.5: little-endian, length-delimited binary
// frames carried over a raw TCP stream. Every frame is
// FLAG(u16) LEN(u32) ID(u16) BODY, where LEN counts the whole frame
// including its own header; strings are len(u16) followed by UTF-8 bytes.
package dracarys

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/nightswatch/nightswatch/internal/codec"
)

// Flag identifies a frame's body layout.
type Flag uint16

const (
	FlagTarget  Flag = 0xE001
	FlagReport  Flag = 0xE002
	FlagMessage Flag = 0xE003
	FlagMetric  Flag = 0xE004
)

// headerLen is FLAG(2) + LEN(4) + ID(2).
const headerLen = 8

// ErrNeedMore signals the decoder has too few buffered bytes to make
// progress; the caller should read more from the connection and retry.
var ErrNeedMore = fmt.Errorf("dracarys: need more bytes")

// ErrInvalidData signals a malformed frame: bad string length, invalid
// UTF-8, or an unrecognized flag. The connection that produced it must be
// torn down.
var ErrInvalidData = fmt.Errorf("dracarys: invalid data")

// MetricSample is one (name, value, timestamp) triple carried by a Metric
// frame. Value is carried as a string on the wire (the Ranger emits
// "key,value" lines verbatim); consumers parse it into a float.
type MetricSample struct {
	Name  string
	Value string
	Time  uint64
}

// Frame is the decoded union of every frame variant. Exactly one of the
// kind-specific field sets is meaningful, selected by Flag.
type Frame struct {
	Flag Flag
	ID   uint16

	// Target
	Paths []string
	Name  string
	Extra string

	// Report
	HealthStatus uint8

	// Message
	Data string

	// Metric
	Relative bool
	Metrics  []MetricSample
}

// Decode attempts to parse one frame from the head of buf. It returns the
// frame, the number of bytes consumed, and an error that is either nil,
// ErrNeedMore (caller should buffer more and retry), or ErrInvalidData
// (caller should drop the connection).
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < headerLen {
		return Frame{}, 0, ErrNeedMore
	}

	flag := Flag(codec.GetU16LE(buf[0:2]))
	length := codec.GetU32LE(buf[2:6])
	id := codec.GetU16LE(buf[6:8])

	if int(length) < headerLen {
		return Frame{}, 0, ErrInvalidData
	}
	if uint32(len(buf)) < length {
		return Frame{}, 0, ErrNeedMore
	}

	body := buf[headerLen:length]
	r := &reader{buf: body}

	f := Frame{Flag: flag, ID: id}

	switch flag {
	case FlagTarget:
		count, err := r.u8()
		if err != nil {
			return Frame{}, 0, ErrInvalidData
		}
		paths := make([]string, 0, count)
		for i := uint8(0); i < count; i++ {
			p, err := r.str()
			if err != nil {
				return Frame{}, 0, ErrInvalidData
			}
			paths = append(paths, p)
		}
		name, err := r.str()
		if err != nil {
			return Frame{}, 0, ErrInvalidData
		}
		extra, err := r.str()
		if err != nil {
			return Frame{}, 0, ErrInvalidData
		}
		f.Paths, f.Name, f.Extra = paths, name, extra

	case FlagReport:
		status, err := r.u8()
		if err != nil {
			return Frame{}, 0, ErrInvalidData
		}
		f.HealthStatus = status

	case FlagMessage:
		data, err := r.str()
		if err != nil {
			return Frame{}, 0, ErrInvalidData
		}
		f.Data = data

	case FlagMetric:
		relative, err := r.u8()
		if err != nil {
			return Frame{}, 0, ErrInvalidData
		}
		count, err := r.u8()
		if err != nil {
			return Frame{}, 0, ErrInvalidData
		}
		metrics := make([]MetricSample, 0, count)
		for i := uint8(0); i < count; i++ {
			name, err := r.str()
			if err != nil {
				return Frame{}, 0, ErrInvalidData
			}
			value, err := r.str()
			if err != nil {
				return Frame{}, 0, ErrInvalidData
			}
			ts, err := r.u64()
			if err != nil {
				return Frame{}, 0, ErrInvalidData
			}
			metrics = append(metrics, MetricSample{Name: name, Value: value, Time: ts})
		}
		f.Relative = relative != 0
		f.Metrics = metrics

	default:
		return Frame{}, 0, ErrInvalidData
	}

	if !r.exhausted() {
		return Frame{}, 0, ErrInvalidData
	}

	return f, int(length), nil
}

// EncodeTarget serializes a Target frame.
func EncodeTarget(id uint16, paths []string, name, extra string) []byte {
	var w writer
	w.u8(uint8(len(paths)))
	for _, p := range paths {
		w.str(p)
	}
	w.str(name)
	w.str(extra)
	return frame(FlagTarget, id, w.buf.Bytes())
}

// EncodeReport serializes a Report frame.
func EncodeReport(id uint16, healthStatus uint8) []byte {
	var w writer
	w.u8(healthStatus)
	return frame(FlagReport, id, w.buf.Bytes())
}

// EncodeMessage serializes a Message frame.
func EncodeMessage(id uint16, data string) []byte {
	var w writer
	w.str(data)
	return frame(FlagMessage, id, w.buf.Bytes())
}

// EncodeMetric serializes a Metric frame.
func EncodeMetric(id uint16, relative bool, samples []MetricSample) []byte {
	var w writer
	if relative {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u8(uint8(len(samples)))
	for _, s := range samples {
		w.str(s.Name)
		w.str(s.Value)
		w.u64(s.Time)
	}
	return frame(FlagMetric, id, w.buf.Bytes())
}

func frame(flag Flag, id uint16, body []byte) []byte {
	total := headerLen + len(body)
	out := make([]byte, total)
	codec.PutU16LE(out[0:2], uint16(flag))
	codec.PutU32LE(out[2:6], uint32(total))
	codec.PutU16LE(out[6:8], id)
	copy(out[headerLen:], body)
	return out
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) u8() (uint8, error) {
	if r.off+1 > len(r.buf) {
		return 0, ErrInvalidData
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, ErrInvalidData
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return v, nil
}

func (r *reader) str() (string, error) {
	if r.off+2 > len(r.buf) {
		return "", ErrInvalidData
	}
	n := codec.GetU16LE(r.buf[r.off : r.off+2])
	r.off += 2
	if r.off+int(n) > len(r.buf) {
		return "", ErrInvalidData
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	if !utf8.Valid(b) {
		return "", ErrInvalidData
	}
	return string(b), nil
}

func (r *reader) exhausted() bool {
	return r.off == len(r.buf)
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) str(s string) {
	var lenBuf [2]byte
	codec.PutU16LE(lenBuf[:], uint16(len(s)))
	w.buf.Write(lenBuf[:])
	w.buf.WriteString(s)
}
