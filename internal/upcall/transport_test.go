package upcall

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback lets a single in-process test act as both ends of the channel
// by reading back whatever was written to it.
type loopback struct {
	buf bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.buf.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.buf.Write(p) }

func TestTransport_WriteThenRead(t *testing.T) {
	lb := &loopback{}
	kernelSide := New(lb)

	require.NoError(t, kernelSide.WriteReply(Reply{Version: 1, Command: CmdHasSession, Xid: 9, Status: StatusOK, Payload: EncodeBool(true)}))

	rep, err := DecodeReply(&lb.buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), rep.Xid)
	assert.Equal(t, StatusOK, rep.Status)

	v, err := DecodeBool(rep.Payload)
	require.NoError(t, err)
	assert.True(t, v)
}

func TestTransport_Close_NonCloseableUnderlyingIsNoop(t *testing.T) {
	tr := New(&loopback{})
	assert.NoError(t, tr.Close())
}
