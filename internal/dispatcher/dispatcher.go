// Package dispatcher implements the tracker's single-threaded event loop
// (C4): it owns the upcall channel, routes each request to a handler,
// enforces reply ordering, drives iteration mode, and owns graceful
// shutdown.
package dispatcher

import (
	"context"
	"errors"
	"io"

	"github.com/fsnotify/fsnotify"

	"github.com/openunix/nfsdcld/internal/cld"
	"github.com/openunix/nfsdcld/internal/clientid"
	"github.com/openunix/nfsdcld/internal/epoch"
	"github.com/openunix/nfsdcld/internal/logger"
	"github.com/openunix/nfsdcld/internal/metrics"
	"github.com/openunix/nfsdcld/internal/telemetry"
	"github.com/openunix/nfsdcld/internal/upcall"
)

// Store is the subset of internal/store.Store the dispatcher drives
// directly (GraceStart/GraceDone go through the Manager instead).
type Store interface {
	InsertClient(ctx context.Context, cur epoch.Epoch, id clientid.ClientId) error
	RemoveClient(ctx context.Context, cur epoch.Epoch, id clientid.ClientId) error
	CheckClient(ctx context.Context, state epoch.State, id clientid.ClientId) (bool, error)
	IterateRecovery(ctx context.Context, state epoch.State, cb func(clientid.ClientId) error) (int, error)
	HasSession() bool
}

// Dispatcher is the single-threaded reactor tying the Store, Epoch
// Manager, and Upcall Transport together.
type Dispatcher struct {
	store      Store
	manager    *epoch.Manager
	transport  *upcall.Transport
	metrics    *metrics.Metrics
	watchEvent <-chan fsnotify.Event

	negotiated bool
	version    uint8
}

// New constructs a Dispatcher. watchEvents may be nil if no filesystem
// watcher is configured.
func New(store Store, manager *epoch.Manager, transport *upcall.Transport, m *metrics.Metrics, watchEvents <-chan fsnotify.Event) *Dispatcher {
	return &Dispatcher{
		store:      store,
		manager:    manager,
		transport:  transport,
		metrics:    m,
		watchEvent: watchEvents,
	}
}

// Run drives the event loop until ctx is canceled or the transport channel
// is closed; both are clean shutdowns and return nil. A non-nil error means
// the startup-time grace replay failed before the loop ever started; once
// the loop is running, per-frame errors are dropped in pump and never reach
// here.
func (d *Dispatcher) Run(ctx context.Context) error {
	reqCh := make(chan upcall.Request)
	errCh := make(chan error, 1)

	go d.pump(ctx, reqCh, errCh)

	if d.manager.InGrace() {
		// Recovery_epoch != 0 at startup: a crash or restart happened
		// mid-grace. Drive Case B of grace_start before serving any
		// request, matching SPEC_FULL.md §4.4's "at startup if the
		// store reports recovery_epoch != 0" trigger.
		if _, err := d.manager.GraceStart(ctx); err != nil {
			return err
		}
		if err := d.replayRecovery(ctx, 0); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received, exiting after in-flight work")
			return nil

		case err := <-errCh:
			// pump only ever sends here on a genuine channel loss; a
			// per-frame decode error is logged and dropped inside pump
			// itself, without ending the loop.
			logger.Info("upcall channel closed, exiting cleanly", "error", err)
			return nil

		case ev := <-d.watchEvent:
			logger.Warn("database file changed on disk outside this process", "event", ev.String())

		case req := <-reqCh:
			d.handle(ctx, req)
		}
	}
}

// pump reads requests off the blocking transport into reqCh so Run can
// select on cancellation alongside incoming data. It is the only goroutine
// touching Transport.ReadRequest; it never dispatches.
//
// A framing error, truncated read, or oversize payload length (anything
// cld.KindOf classifies as other than TransportLost) is logged and
// dropped here, and the loop keeps reading — the kernel's own retry is
// the recovery mechanism for that request, per SPEC_FULL.md §4.3. A frame
// read whole whose ClientId payload fails to decode does not fail here;
// its handler answers it with StatusInvalid. Only a
// genuine channel-closed condition is forwarded to errCh, ending Run's
// loop.
func (d *Dispatcher) pump(ctx context.Context, reqCh chan<- upcall.Request, errCh chan<- error) {
	for {
		req, err := d.transport.ReadRequest()
		if err != nil {
			if !errors.Is(err, io.EOF) && !cld.Is(err, cld.TransportLost) {
				logger.Warn("malformed upcall frame, dropping", "error", err, "kind", cld.KindOf(err))
				continue
			}
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case reqCh <- req:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, req upcall.Request) {
	lc := &logger.LogContext{Command: req.Command.String(), Xid: req.Xid, Epoch: uint64(d.manager.Current())}
	ctx = logger.WithContext(ctx, lc)

	ctx, span := telemetry.StartUpcallSpan(ctx, req.Command.String(), req.Xid)
	defer span.End()

	if !d.negotiated {
		if req.Command != upcall.CmdInit {
			logger.WarnCtx(ctx, "first request was not Init, dropping")
			return
		}
		d.handleInit(ctx, req)
		return
	}

	switch req.Command {
	case upcall.CmdInit:
		logger.WarnCtx(ctx, "Init received after negotiation, ignoring")
	case upcall.CmdCreate:
		d.handleCreate(ctx, req)
	case upcall.CmdRemove:
		d.handleRemove(ctx, req)
	case upcall.CmdCheck:
		d.handleCheck(ctx, req)
	case upcall.CmdGraceStart:
		d.handleGraceStart(ctx, req)
	case upcall.CmdGraceDone:
		d.handleGraceDone(ctx, req)
	case upcall.CmdHasSession:
		d.handleHasSession(ctx, req)
	default:
		logger.WarnCtx(ctx, "unknown command, dropping")
	}
}

func (d *Dispatcher) handleInit(ctx context.Context, req upcall.Request) {
	version, ok := upcall.Negotiate(req.Version)
	if !ok {
		logger.ErrorCtx(ctx, "no compatible protocol version, failing closed", "requested", req.Version)
		d.reply(ctx, upcall.Reply{Version: req.Version, Command: upcall.CmdInit, Xid: req.Xid, Status: upcall.StatusInvalid})
		return
	}
	d.negotiated = true
	d.version = version
	logger.InfoCtx(ctx, "negotiated protocol version", "version", version)
	d.reply(ctx, upcall.Reply{Version: version, Command: upcall.CmdInit, Xid: req.Xid, Status: upcall.StatusOK})
}

func (d *Dispatcher) handleCreate(ctx context.Context, req upcall.Request) {
	id, err := upcall.DecodeClientId(req.Payload)
	if err != nil {
		d.replyErr(ctx, req, err)
		return
	}
	err = d.store.InsertClient(ctx, d.manager.Current(), id)
	if err != nil {
		d.replyErr(ctx, req, err)
		return
	}
	d.metrics.RecordInsert()
	d.reply(ctx, upcall.Reply{Version: d.version, Command: req.Command, Xid: req.Xid, Status: upcall.StatusOK})
}

func (d *Dispatcher) handleRemove(ctx context.Context, req upcall.Request) {
	id, err := upcall.DecodeClientId(req.Payload)
	if err != nil {
		d.replyErr(ctx, req, err)
		return
	}
	if err := d.store.RemoveClient(ctx, d.manager.Current(), id); err != nil {
		d.replyErr(ctx, req, err)
		return
	}
	d.metrics.RecordRemove()
	d.reply(ctx, upcall.Reply{Version: d.version, Command: req.Command, Xid: req.Xid, Status: upcall.StatusOK})
}

func (d *Dispatcher) handleCheck(ctx context.Context, req upcall.Request) {
	id, err := upcall.DecodeClientId(req.Payload)
	if err != nil {
		d.replyErr(ctx, req, err)
		return
	}
	allowed, err := d.store.CheckClient(ctx, d.manager.Snapshot(), id)
	if err != nil {
		d.replyErr(ctx, req, err)
		return
	}
	d.metrics.RecordCheck(allowed)
	status := upcall.StatusOK
	if !allowed {
		status = upcall.StatusDenied
	}
	d.reply(ctx, upcall.Reply{Version: d.version, Command: req.Command, Xid: req.Xid, Status: status})
}

func (d *Dispatcher) handleGraceStart(ctx context.Context, req upcall.Request) {
	state, err := d.manager.GraceStart(ctx)
	if err != nil {
		d.replyErr(ctx, req, err)
		return
	}
	d.metrics.RecordGraceStart()
	d.metrics.SetEpochs(state)
	logger.InfoCtx(ctx, "grace started", "current_epoch", uint64(state.Current), "recovery_epoch", uint64(state.Recovery))

	if err := d.replayRecovery(ctx, req.Xid); err != nil {
		d.replyErr(ctx, req, err)
		return
	}
	d.reply(ctx, upcall.Reply{Version: d.version, Command: req.Command, Xid: req.Xid, Status: upcall.StatusOK})
}

func (d *Dispatcher) handleGraceDone(ctx context.Context, req upcall.Request) {
	state, err := d.manager.GraceDone(ctx)
	if err != nil {
		d.replyErr(ctx, req, err)
		return
	}
	d.metrics.RecordGraceDone()
	d.metrics.SetEpochs(state)
	logger.InfoCtx(ctx, "grace done", "current_epoch", uint64(state.Current))
	d.reply(ctx, upcall.Reply{Version: d.version, Command: req.Command, Xid: req.Xid, Status: upcall.StatusOK})
}

func (d *Dispatcher) handleHasSession(ctx context.Context, req upcall.Request) {
	d.reply(ctx, upcall.Reply{
		Version: d.version,
		Command: req.Command,
		Xid:     req.Xid,
		Status:  upcall.StatusOK,
		Payload: upcall.EncodeBool(d.store.HasSession()),
	})
}

// replyErr maps a classified error to an errno-like status and writes it.
// Fatal kinds (Corruption, UnsupportedSchema) are never expected here —
// they are surfaced at startup, before the dispatcher exists.
func (d *Dispatcher) replyErr(ctx context.Context, req upcall.Request, err error) {
	logger.ErrorCtx(ctx, "handler failed", "error", err)
	telemetry.RecordError(ctx, err)
	status := upcall.StatusIOError
	switch cld.KindOf(err) {
	case cld.Invalid:
		status = upcall.StatusInvalid
	case cld.NotFound:
		status = upcall.StatusNotFound
	}
	d.reply(ctx, upcall.Reply{Version: d.version, Command: req.Command, Xid: req.Xid, Status: status})
}

func (d *Dispatcher) reply(ctx context.Context, rep upcall.Reply) {
	if err := d.transport.WriteReply(rep); err != nil {
		logger.ErrorCtx(ctx, "failed to write reply", "error", err)
	}
}
