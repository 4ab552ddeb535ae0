package upcall

import (
	"io"
	"os"
	"sync"

	"github.com/openunix/nfsdcld/internal/cld"
)

// DefaultChannelPath is the fixed path at which the kernel exposes the
// upcall channel, matching the rpc_pipefs convention used by the rest of
// the nfs-utils daemon family.
const DefaultChannelPath = "/var/lib/nfs/rpc_pipefs/nfsd4_cld/channel"

// Transport is a length-framed byte channel to the kernel. It wraps any
// io.ReadWriter so production code can point it at the real character
// device while tests drive it over an in-memory pipe.
type Transport struct {
	rw  io.ReadWriter
	wmu sync.Mutex
}

// Open opens the kernel-controlled character device at path for
// bidirectional I/O.
func Open(path string) (*Transport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, cld.New(cld.Corruption, "upcall.Open", err)
	}
	return New(f), nil
}

// New wraps an already-open io.ReadWriter as a Transport.
func New(rw io.ReadWriter) *Transport {
	return &Transport{rw: rw}
}

// ReadRequest reads the next framed request. Context cancellation is not
// honored mid-read (the caller is expected to run this in its own
// goroutine and ignore the result after cancellation); see
// internal/dispatcher for how that's arranged.
func (t *Transport) ReadRequest() (Request, error) {
	return DecodeRequest(t.rw)
}

// WriteReply writes one framed reply. Safe for concurrent callers, though
// the dispatcher never actually calls it concurrently since it completes
// one handler before starting the next.
func (t *Transport) WriteReply(rep Reply) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return EncodeReply(t.rw, rep)
}

// Close releases the underlying channel, if it is closeable.
func (t *Transport) Close() error {
	if c, ok := t.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
