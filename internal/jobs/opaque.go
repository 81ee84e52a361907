package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Opaque is a JSON value the queue carries through unchanged.
// Only the worker that produced or consumes it interprets its contents.
type Opaque []byte

// OpaqueOf encodes v as an Opaque value
func OpaqueOf(v any) (Opaque, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode opaque value: %w", err)
	}
	return Opaque(data), nil
}

// MustOpaque is OpaqueOf for values that are known to encode
func MustOpaque(v any) Opaque {
	o, err := OpaqueOf(v)
	if err != nil {
		panic(err)
	}
	return o
}

// MarshalJSON emits the raw bytes, or null when empty
func (o Opaque) MarshalJSON() ([]byte, error) {
	if len(o) == 0 {
		return []byte("null"), nil
	}
	return o, nil
}

// UnmarshalJSON keeps a private copy of the raw bytes
func (o *Opaque) UnmarshalJSON(data []byte) error {
	if o == nil {
		return fmt.Errorf("jobs.Opaque: UnmarshalJSON on nil pointer")
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = nil
		return nil
	}
	*o = append((*o)[0:0], data...)
	return nil
}

// Decode unmarshals the opaque value into v
func (o Opaque) Decode(v any) error {
	if len(o) == 0 {
		return fmt.Errorf("opaque value is empty")
	}
	return json.Unmarshal(o, v)
}

// IsZero reports whether the value is absent
func (o Opaque) IsZero() bool { return len(o) == 0 }

func (o Opaque) clone() Opaque {
	if o == nil {
		return nil
	}
	return append(Opaque(nil), o...)
}
