// internal/wire/errors.go
package wire

import "fmt"

// EncodingError reports a field value that does not fit its declared wire
// width or enumeration. Seen locally, before anything touches the bus.
type EncodingError struct {
	Op    string
	Field string
	Value uint64
	Width uint // declared width in bits
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s: field %q value %d does not fit %d bits", e.Op, e.Field, e.Value, e.Width)
}

// DecodingError reports a reply buffer that does not match the pinned wire
// layout. Against a real device this indicates protocol drift.
type DecodingError struct {
	Op     string
	Reason string
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Op, e.Reason)
}
