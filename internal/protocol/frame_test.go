// ABOUTME: Tests for wire frame decoding, construction, and chunk framing.
// ABOUTME: Covers malformed frames, error coding, and chunk boundary cases.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Request(t *testing.T) {
	f, err := Decode([]byte(`{"type":"req","id":"1","method":"chat.send","params":{"sessionKey":"k"}}`))
	require.NoError(t, err)
	require.NotNil(t, f.Request)
	assert.Equal(t, "chat.send", f.Request.Method)

	var p ChatSendParams
	require.NoError(t, DecodeParams(f.Request.Params, &p))
	assert.Equal(t, "k", p.SessionKey)
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"unknown type":    `{"type":"bogus"}`,
		"request no id":   `{"type":"req","method":"x"}`,
		"request no name": `{"type":"req","id":"1"}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(in))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecode_ResponseAndEvent(t *testing.T) {
	resp, err := NewResponse("7", map[string]int{"n": 1})
	require.NoError(t, err)
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, f.Response)
	assert.True(t, f.Response.OK)
	assert.JSONEq(t, `{"n":1}`, string(f.Response.Payload))

	evt, err := NewEvent(EventChat, ChatEventPayload{RunID: "r", State: ChatFinal})
	require.NoError(t, err)
	data, err = json.Marshal(evt)
	require.NoError(t, err)
	f, err = Decode(data)
	require.NoError(t, err)
	require.NotNil(t, f.Event)
	assert.Equal(t, EventChat, f.Event.Event)
}

func TestErrorResponseShape(t *testing.T) {
	resp := NewErrorResponse("9", NewError(CodeToolNotFound, "no tool %q", "x"))
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"res","id":"9","ok":false,"error":{"code":"TOOL_NOT_FOUND","message":"no tool \"x\""}}`, string(data))
}

func TestAsError(t *testing.T) {
	coded := NewError(CodeNotFound, "gone")
	assert.Equal(t, coded, AsError(fmt.Errorf("wrapped: %w", coded)))
	assert.Equal(t, CodeInternal, AsError(errors.New("boom")).Code)
}

func TestDecodeParams_Invalid(t *testing.T) {
	var p ChatSendParams
	err := DecodeParams(json.RawMessage(`{"sessionKey":1}`), &p)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidRequest, AsError(err).Code)

	require.NoError(t, DecodeParams(nil, &p))
}

func TestChunkRoundTrip(t *testing.T) {
	msg, err := EncodeChunk("tx-1", []byte("hello"))
	require.NoError(t, err)

	id, data, err := DecodeChunk(msg)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", id)
	assert.Equal(t, "hello", string(data))
}

func TestChunkMalformed(t *testing.T) {
	_, _, err := DecodeChunk([]byte{5, 'a'})
	assert.ErrorIs(t, err, ErrMalformedChunk)
	_, _, err = DecodeChunk(nil)
	assert.ErrorIs(t, err, ErrMalformedChunk)
	_, err = EncodeChunk("", []byte("x"))
	assert.ErrorIs(t, err, ErrMalformedChunk)
}

func TestTransferEndpoint_IsStorage(t *testing.T) {
	assert.True(t, TransferEndpoint{Key: "a/b"}.IsStorage())
	assert.False(t, TransferEndpoint{Node: "n1", Path: "/x"}.IsStorage())
}
