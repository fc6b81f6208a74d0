// Package codec implements the low-level primitives shared by the rest of
// NightsWatch: unix-time helpers, little-endian integer accessors for the
// Dracarys wire format, and a JSON getter-with-default used everywhere a
// declarative node/target field is parsed from operator-supplied JSON.
package codec

import (
	"encoding/binary"
	"time"
)

// Now returns the current unix time in seconds.
func Now() uint64 {
	return uint64(time.Now().Unix())
}

// NowMillis returns the current unix time in milliseconds.
func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// GetU16LE reads a little-endian uint16 from the front of v.
func GetU16LE(v []byte) uint16 {
	return binary.LittleEndian.Uint16(v)
}

// GetU32LE reads a little-endian uint32 from the front of v.
func GetU32LE(v []byte) uint32 {
	return binary.LittleEndian.Uint32(v)
}

// PutU16LE writes a little-endian uint16 to the front of v.
func PutU16LE(v []byte, x uint16) {
	binary.LittleEndian.PutUint16(v, x)
}

// PutU32LE writes a little-endian uint32 to the front of v.
func PutU32LE(v []byte, x uint32) {
	binary.LittleEndian.PutUint32(v, x)
}

// JSON is a thin wrapper over a decoded JSON object that provides
// get-with-default accessors, the Go analogue of the JsonParser trait in
// the original Rust source.
type JSON map[string]interface{}

func (j JSON) GetBool(key string, def bool) bool {
	if j == nil {
		return def
	}
	if v, ok := j[key].(bool); ok {
		return v
	}
	return def
}

func (j JSON) GetString(key string, def string) string {
	if j == nil {
		return def
	}
	if v, ok := j[key].(string); ok {
		return v
	}
	return def
}

func (j JSON) GetUint64(key string, def uint64) uint64 {
	if j == nil {
		return def
	}
	if v, ok := j[key].(float64); ok {
		return uint64(v)
	}
	return def
}

func (j JSON) GetFloat64(key string, def float64) float64 {
	if j == nil {
		return def
	}
	if v, ok := j[key].(float64); ok {
		return v
	}
	return def
}

// GetObject returns the named key as a nested JSON object, or an empty one.
func (j JSON) GetObject(key string) JSON {
	if j == nil {
		return nil
	}
	if v, ok := j[key].(map[string]interface{}); ok {
		return JSON(v)
	}
	return nil
}
