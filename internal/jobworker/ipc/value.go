// Package ipc implements the supervisor's control-socket wire protocol:
// length-prefixed frames carrying a tagged-variant value, with auxiliary
// file descriptors riding alongside a frame via the Unix-socket
// ancillary-data channel (spec §6/§4.5).
package ipc

import "fmt"

// Kind discriminates the tagged-variant types the wire format carries.
type Kind int

const (
	KindDict Kind = iota
	KindArray
	KindString
	KindInteger
	KindBoolean
	KindFD
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindDict:
		return "dict"
	case KindArray:
		return "array"
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindBoolean:
		return "boolean"
	case KindFD:
		return "fd"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Value is a single tagged-variant wire value. Exactly one of its
// payload fields is meaningful, selected by Kind; the rest are left
// zero. A KindFD value's FDIndex is a slot into the Conn-level list of
// file descriptors carried alongside the frame as ancillary data — the
// fd's own value never appears inline in the JSON payload.
type Value struct {
	Kind Kind `json:"kind"`

	Dict    map[string]Value `json:"dict,omitempty"`
	Array   []Value          `json:"array,omitempty"`
	Str     string           `json:"str,omitempty"`
	Int     int64            `json:"int,omitempty"`
	Bool    bool             `json:"bool,omitempty"`
	FDIndex int              `json:"fdIndex,omitempty"`
	Opaque  []byte           `json:"opaque,omitempty"`
}

// Dict builds a KindDict Value from m.
func Dict(m map[string]Value) Value { return Value{Kind: KindDict, Dict: m} }

// Array builds a KindArray Value from s.
func Array(s []Value) Value { return Value{Kind: KindArray, Array: s} }

// String builds a KindString Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Integer builds a KindInteger Value.
func Integer(n int64) Value { return Value{Kind: KindInteger, Int: n} }

// Boolean builds a KindBoolean Value.
func Boolean(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }

// FD builds a KindFD Value referencing the descriptor at index idx in
// the frame's ancillary-data list.
func FD(idx int) Value { return Value{Kind: KindFD, FDIndex: idx} }

// Opaque builds a KindOpaque Value, used for the resource-limits
// snapshot/diff payloads (spec §4.5 GET_RLIMITS/SET_RLIMITS).
func Opaque(b []byte) Value { return Value{Kind: KindOpaque, Opaque: b} }

// AsString returns v's string payload, or an error if v is not a
// KindString value.
func (v Value) AsString() (string, error) {
	if v.Kind != KindString {
		return "", fmt.Errorf("expected string, got %s", v.Kind)
	}
	return v.Str, nil
}

// AsDict returns v's dict payload, or an error if v is not a KindDict
// value.
func (v Value) AsDict() (map[string]Value, error) {
	if v.Kind != KindDict {
		return nil, fmt.Errorf("expected dict, got %s", v.Kind)
	}
	return v.Dict, nil
}

// AsBool returns v's bool payload, or an error if v is not a
// KindBoolean value.
func (v Value) AsBool() (bool, error) {
	if v.Kind != KindBoolean {
		return false, fmt.Errorf("expected boolean, got %s", v.Kind)
	}
	return v.Bool, nil
}
