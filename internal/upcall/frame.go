package upcall

import (
	"encoding/binary"
	"io"

	"github.com/openunix/nfsdcld/internal/cld"
	"github.com/openunix/nfsdcld/internal/clientid"
)

// maxPayloadLen bounds how much we'll allocate for a single frame's
// payload, defending against a corrupt or hostile length field. A
// ClientId payload never exceeds clientid.OpaqueLimit plus its own
// length prefix; this leaves generous headroom.
const maxPayloadLen = 4096

// requestHeaderLen is version(1) + command(1) + xid(4) + payload length(4).
const requestHeaderLen = 10

// replyHeaderLen is version(1) + command(1) + xid(4) + status(4) + payload length(4).
const replyHeaderLen = 14

// Request is a single length-framed message read from the kernel.
type Request struct {
	Version uint8
	Command Command
	Xid     uint32
	Payload []byte
}

// Reply is a single length-framed message written to the kernel. It echoes
// the xid of the request it answers (or 0 for unsolicited iteration
// messages) and carries a status code plus an optional payload.
type Reply struct {
	Version uint8
	Command Command
	Xid     uint32
	Status  int32
	Payload []byte
}

// DecodeRequest reads one framed request from r.
func DecodeRequest(r io.Reader) (Request, error) {
	var hdr [requestHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, wrapTransportErr("upcall.DecodeRequest", err)
	}

	length := binary.BigEndian.Uint32(hdr[6:10])
	if length > maxPayloadLen {
		return Request{}, cld.Newf(cld.Invalid, "upcall.DecodeRequest", "payload length %d exceeds limit %d", length, maxPayloadLen)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Request{}, wrapTransportErr("upcall.DecodeRequest", err)
		}
	}

	return Request{
		Version: hdr[0],
		Command: Command(hdr[1]),
		Xid:     binary.BigEndian.Uint32(hdr[2:6]),
		Payload: payload,
	}, nil
}

// EncodeRequest writes one framed request to w. Used by tests that play
// the kernel side of the channel.
func EncodeRequest(w io.Writer, req Request) error {
	hdr := make([]byte, requestHeaderLen)
	hdr[0] = req.Version
	hdr[1] = byte(req.Command)
	binary.BigEndian.PutUint32(hdr[2:6], req.Xid)
	binary.BigEndian.PutUint32(hdr[6:10], uint32(len(req.Payload)))
	if _, err := w.Write(hdr); err != nil {
		return wrapTransportErr("upcall.EncodeRequest", err)
	}
	if len(req.Payload) > 0 {
		if _, err := w.Write(req.Payload); err != nil {
			return wrapTransportErr("upcall.EncodeRequest", err)
		}
	}
	return nil
}

// EncodeReply writes one framed reply to w.
func EncodeReply(w io.Writer, rep Reply) error {
	hdr := make([]byte, replyHeaderLen)
	hdr[0] = rep.Version
	hdr[1] = byte(rep.Command)
	binary.BigEndian.PutUint32(hdr[2:6], rep.Xid)
	binary.BigEndian.PutUint32(hdr[6:10], uint32(rep.Status))
	binary.BigEndian.PutUint32(hdr[10:14], uint32(len(rep.Payload)))
	if _, err := w.Write(hdr); err != nil {
		return wrapTransportErr("upcall.EncodeReply", err)
	}
	if len(rep.Payload) > 0 {
		if _, err := w.Write(rep.Payload); err != nil {
			return wrapTransportErr("upcall.EncodeReply", err)
		}
	}
	return nil
}

// DecodeReply reads one framed reply from r. Used by tests that play the
// kernel side of the channel.
func DecodeReply(r io.Reader) (Reply, error) {
	var hdr [replyHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Reply{}, wrapTransportErr("upcall.DecodeReply", err)
	}

	length := binary.BigEndian.Uint32(hdr[10:14])
	if length > maxPayloadLen {
		return Reply{}, cld.Newf(cld.Invalid, "upcall.DecodeReply", "payload length %d exceeds limit %d", length, maxPayloadLen)
	}

	// A zero-length payload decodes as nil, so a Reply encoded without a
	// payload round-trips unchanged.
	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Reply{}, wrapTransportErr("upcall.DecodeReply", err)
		}
	}

	return Reply{
		Version: hdr[0],
		Command: Command(hdr[1]),
		Xid:     binary.BigEndian.Uint32(hdr[2:6]),
		Status:  int32(binary.BigEndian.Uint32(hdr[6:10])),
		Payload: payload,
	}, nil
}

// wrapTransportErr classifies a read/write failure. Only a clean io.EOF —
// nothing at all read before the peer closed the channel — means the
// channel itself is gone. io.ErrUnexpectedEOF (a header or payload read
// that started but came up short) is a truncated frame, not a closed
// channel: it is classified the same as any other malformed payload so the
// caller drops this request and keeps reading, per the "truncated reads
// ... dropped without reply" requirement.
func wrapTransportErr(op string, err error) error {
	if err == io.EOF {
		return cld.New(cld.TransportLost, op, err)
	}
	return cld.New(cld.Invalid, op, err)
}

// EncodeClientId encodes id as a length-prefixed payload.
func EncodeClientId(id clientid.ClientId) []byte {
	buf := make([]byte, 4+len(id))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(id)))
	copy(buf[4:], id)
	return buf
}

// DecodeClientId decodes a length-prefixed ClientId payload, rejecting
// oversize ids per clientid.Validate.
func DecodeClientId(payload []byte) (clientid.ClientId, error) {
	if len(payload) < 4 {
		return nil, cld.Newf(cld.Invalid, "upcall.DecodeClientId", "payload too short for length prefix: %d bytes", len(payload))
	}
	length := binary.BigEndian.Uint32(payload[0:4])
	if uint32(len(payload)-4) < length {
		return nil, cld.Newf(cld.Invalid, "upcall.DecodeClientId", "payload declares length %d but has only %d bytes", length, len(payload)-4)
	}
	id := clientid.Clone(payload[4 : 4+length])
	if err := clientid.Validate(id); err != nil {
		return nil, err
	}
	return id, nil
}

// EncodeBool encodes a single-byte boolean payload, used by HasSession.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeBool decodes a single-byte boolean payload.
func DecodeBool(payload []byte) (bool, error) {
	if len(payload) != 1 {
		return false, cld.Newf(cld.Invalid, "upcall.DecodeBool", "expected a 1-byte payload, got %d", len(payload))
	}
	return payload[0] != 0, nil
}
