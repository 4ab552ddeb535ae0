package dispatcher

import (
	"context"

	"github.com/openunix/nfsdcld/internal/clientid"
	"github.com/openunix/nfsdcld/internal/logger"
	"github.com/openunix/nfsdcld/internal/upcall"
)

// replayRecovery drives iteration mode: one unsolicited RecoveryEntry
// message per identity in the recovery epoch's bucket, followed by a
// RecoveryDone terminator. Per SPEC_FULL.md §4.4, normal request handling
// is suspended for the duration of this call — iteration runs to
// completion before the next request is read, which holds naturally since
// handle() calls this synchronously before returning to the select loop.
//
// xid is echoed on the terminator so the kernel can correlate the replay
// with the GraceStart request that triggered it; at startup (no triggering
// request) it is 0.
func (d *Dispatcher) replayRecovery(ctx context.Context, xid uint32) error {
	state := d.manager.Snapshot()
	if !state.InGrace() {
		return nil
	}

	count, err := d.store.IterateRecovery(ctx, state, func(id clientid.ClientId) error {
		return d.transport.WriteReply(upcall.Reply{
			Version: d.version,
			Command: upcall.CmdRecoveryEntry,
			Xid:     0,
			Status:  upcall.StatusOK,
			Payload: upcall.EncodeClientId(id),
		})
	})
	if err != nil {
		return err
	}

	logger.InfoCtx(ctx, "recovery iteration complete", "count", count)
	return d.transport.WriteReply(upcall.Reply{
		Version: d.version,
		Command: upcall.CmdRecoveryDone,
		Xid:     xid,
		Status:  upcall.StatusOK,
	})
}
