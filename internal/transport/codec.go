package transport

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"
)

// ContentType is the media type of encoded envelopes and acks.
const ContentType = "application/x-gridrepl-msgpack-snappy"

// Encode renders v as snappy-compressed msgpack.
func Encode(v any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// Decode is the inverse of Encode.
func Decode(data []byte, v any) error {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("snappy decode: %w", err)
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("msgpack decode: %w", err)
	}
	return nil
}
