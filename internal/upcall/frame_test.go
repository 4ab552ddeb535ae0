package upcall

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openunix/nfsdcld/internal/cld"
	"github.com/openunix/nfsdcld/internal/clientid"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		Version: 1,
		Command: CmdCreate,
		Xid:     42,
		Payload: EncodeClientId(clientid.ClientId("alice")),
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeRequest(&buf, req))

	got, err := DecodeRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req.Version, got.Version)
	assert.Equal(t, req.Command, got.Command)
	assert.Equal(t, req.Xid, got.Xid)
	assert.Equal(t, req.Payload, got.Payload)

	id, err := DecodeClientId(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, clientid.ClientId("alice"), id)
}

func TestReplyRoundTrip(t *testing.T) {
	rep := Reply{
		Version: 1,
		Command: CmdCheck,
		Xid:     7,
		Status:  StatusDenied,
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeReply(&buf, rep))

	got, err := DecodeReply(&buf)
	require.NoError(t, err)
	assert.Equal(t, rep, got)
}

func TestDecodeRequest_TruncatedHeaderIsInvalidNotTransportLost(t *testing.T) {
	// A short read that still consumed some bytes is a malformed frame,
	// not a closed channel: the caller drops it and keeps reading.
	buf := bytes.NewBuffer([]byte{1, 2, 3})
	_, err := DecodeRequest(buf)
	require.Error(t, err)
	assert.Equal(t, cld.Invalid, cld.KindOf(err))
}

func TestDecodeRequest_EmptyReadIsTransportLost(t *testing.T) {
	// Nothing at all was read before EOF: the channel itself is gone.
	buf := bytes.NewBuffer(nil)
	_, err := DecodeRequest(buf)
	require.Error(t, err)
	assert.Equal(t, cld.TransportLost, cld.KindOf(err))
}

func TestDecodeRequest_OversizePayloadRejected(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Version: 1, Command: CmdCreate, Xid: 1}
	require.NoError(t, EncodeRequest(&buf, req))
	// Corrupt the length field to claim an oversize payload.
	raw := buf.Bytes()
	raw[6], raw[7], raw[8], raw[9] = 0xff, 0xff, 0xff, 0xff
	_, err := DecodeRequest(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestClientIdPayload_RejectsOversize(t *testing.T) {
	oversized := make([]byte, clientid.OpaqueLimit+1)
	payload := EncodeClientId(clientid.ClientId(oversized))
	_, err := DecodeClientId(payload)
	require.Error(t, err)
}

func TestNegotiate(t *testing.T) {
	v, ok := Negotiate(1)
	assert.True(t, ok)
	assert.Equal(t, uint8(1), v)

	v, ok = Negotiate(5)
	assert.True(t, ok)
	assert.Equal(t, uint8(1), v)

	_, ok = Negotiate(0)
	assert.False(t, ok)
}

func TestBoolPayloadRoundTrip(t *testing.T) {
	v, err := DecodeBool(EncodeBool(true))
	require.NoError(t, err)
	assert.True(t, v)

	v, err = DecodeBool(EncodeBool(false))
	require.NoError(t, err)
	assert.False(t, v)
}
