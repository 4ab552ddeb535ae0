// Package clientid defines the opaque client identity used throughout the
// tracker. The tracker never parses a ClientId; it only compares, stores and
// replays it byte-for-byte.
package clientid

import "github.com/openunix/nfsdcld/internal/cld"

// OpaqueLimit is the maximum length in bytes of a ClientId, mirroring the
// kernel's NFS4_OPAQUE_LIMIT.
const OpaqueLimit = 128

// ClientId is an opaque byte string. Equality is bytewise.
type ClientId []byte

// Validate reports whether id is an acceptable ClientId. Lengths 0 through
// OpaqueLimit are accepted; anything longer is rejected.
func Validate(id []byte) error {
	if len(id) > OpaqueLimit {
		return cld.Newf(cld.Invalid, "clientid.Validate", "client id length %d exceeds limit %d", len(id), OpaqueLimit)
	}
	return nil
}

// Clone returns a copy of id, so callers holding onto a ClientId past the
// lifetime of the buffer it was decoded into don't alias transport buffers.
func Clone(id []byte) ClientId {
	out := make(ClientId, len(id))
	copy(out, id)
	return out
}
