package store

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/gridrepl/internal/packet"
)

// ErrCorrupt means a journaled packet no longer matches its digest.
var ErrCorrupt = errors.New("journal packet corrupt")

// marshalPacket encodes p for the body column and returns its digest.
func marshalPacket(p packet.Packet) ([]byte, string, error) {
	digest, err := p.Digest()
	if err != nil {
		return nil, "", fmt.Errorf("digest packet: %w", err)
	}
	body, err := msgpack.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("marshal packet: %w", err)
	}
	return body, digest, nil
}

// unmarshalPacket decodes a body column and checks it against digest.
func unmarshalPacket(body []byte, digest string) (packet.Packet, error) {
	var p packet.Packet
	if err := msgpack.Unmarshal(body, &p); err != nil {
		return packet.Packet{}, fmt.Errorf("unmarshal packet: %w", err)
	}
	got, err := p.Digest()
	if err != nil {
		return packet.Packet{}, fmt.Errorf("digest packet: %w", err)
	}
	if got != digest {
		return packet.Packet{}, fmt.Errorf("%w: #%d", ErrCorrupt, p.Key)
	}
	return p, nil
}
