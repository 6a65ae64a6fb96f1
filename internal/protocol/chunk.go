// ABOUTME: Binary transfer chunk framing: a length-prefixed transfer id followed by raw bytes.
// ABOUTME: Carried as binary websocket messages, separate from JSON text frames.

package protocol

import (
	"errors"
	"fmt"
)

// MaxChunkSize bounds the payload of a single binary chunk.
const MaxChunkSize = 64 * 1024

// ErrMalformedChunk indicates a binary message that is not a valid chunk.
var ErrMalformedChunk = errors.New("malformed transfer chunk")

// EncodeChunk prefixes data with the transfer id.
func EncodeChunk(transferID string, data []byte) ([]byte, error) {
	if transferID == "" || len(transferID) > 255 {
		return nil, fmt.Errorf("%w: transfer id length %d", ErrMalformedChunk, len(transferID))
	}
	out := make([]byte, 0, 1+len(transferID)+len(data))
	out = append(out, byte(len(transferID)))
	out = append(out, transferID...)
	out = append(out, data...)
	return out, nil
}

// DecodeChunk splits a binary message into its transfer id and payload.
// The payload aliases msg.
func DecodeChunk(msg []byte) (string, []byte, error) {
	if len(msg) < 2 {
		return "", nil, ErrMalformedChunk
	}
	n := int(msg[0])
	if n == 0 || len(msg) < 1+n {
		return "", nil, ErrMalformedChunk
	}
	return string(msg[1 : 1+n]), msg[1+n:], nil
}
