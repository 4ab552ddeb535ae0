package dispatcher

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openunix/nfsdcld/internal/clientid"
	"github.com/openunix/nfsdcld/internal/epoch"
	"github.com/openunix/nfsdcld/internal/upcall"
)

// fakeStore is an in-memory stand-in for internal/store.Store, sufficient
// to exercise the dispatcher's handlers without a real database.
type fakeStore struct {
	mu      sync.Mutex
	buckets map[epoch.Epoch]map[string]struct{}
	hasSess bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{buckets: map[epoch.Epoch]map[string]struct{}{1: {}}, hasSess: true}
}

func (s *fakeStore) bucket(e epoch.Epoch) map[string]struct{} {
	b, ok := s.buckets[e]
	if !ok {
		b = map[string]struct{}{}
		s.buckets[e] = b
	}
	return b
}

func (s *fakeStore) InsertClient(_ context.Context, cur epoch.Epoch, id clientid.ClientId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(cur)[string(id)] = struct{}{}
	return nil
}

func (s *fakeStore) RemoveClient(_ context.Context, cur epoch.Epoch, id clientid.ClientId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bucket(cur), string(id))
	return nil
}

func (s *fakeStore) CheckClient(_ context.Context, state epoch.State, id clientid.ClientId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !state.InGrace() {
		return false, nil
	}
	if _, ok := s.bucket(state.Recovery)[string(id)]; !ok {
		return false, nil
	}
	s.bucket(state.Current)[string(id)] = struct{}{}
	return true, nil
}

func (s *fakeStore) IterateRecovery(_ context.Context, state epoch.State, cb func(clientid.ClientId) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.bucket(state.Recovery) {
		if err := cb(clientid.ClientId(id)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *fakeStore) HasSession() bool { return s.hasSess }

// fakeEpochStore adapts fakeStore's bucket model to epoch.Store so a real
// epoch.Manager can drive grace transitions in tests.
type fakeEpochStore struct{ s *fakeStore }

func (f fakeEpochStore) GraceStart(_ context.Context, cached epoch.State) (epoch.State, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if !cached.InGrace() {
		next := epoch.State{Current: cached.Current + 1, Recovery: cached.Current}
		f.s.buckets[next.Current] = map[string]struct{}{}
		return next, nil
	}
	f.s.buckets[cached.Current] = map[string]struct{}{}
	return cached, nil
}

func (f fakeEpochStore) GraceDone(_ context.Context, cached epoch.State) (epoch.State, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	delete(f.s.buckets, cached.Recovery)
	return epoch.State{Current: cached.Current, Recovery: epoch.NoRecovery}, nil
}

type pipePair struct {
	toTracker   *bytes.Buffer
	fromTracker *bytes.Buffer
}

func (p *pipePair) Read(b []byte) (int, error)  { return p.toTracker.Read(b) }
func (p *pipePair) Write(b []byte) (int, error) { return p.fromTracker.Write(b) }

func newHarness(t *testing.T, initial epoch.State) (*Dispatcher, *fakeStore, *pipePair) {
	t.Helper()
	fs := newFakeStore()
	mgr := epoch.NewManager(fakeEpochStore{s: fs}, initial)
	pipe := &pipePair{toTracker: &bytes.Buffer{}, fromTracker: &bytes.Buffer{}}
	tr := upcall.New(pipe)
	d := New(fs, mgr, tr, nil, nil)
	return d, fs, pipe
}

func sendInit(t *testing.T, d *Dispatcher, pipe *pipePair) {
	t.Helper()
	ctx := context.Background()
	req := upcall.Request{Version: upcall.ProtocolVersion, Command: upcall.CmdInit, Xid: 1}
	d.handle(ctx, req)
	rep, err := upcall.DecodeReply(pipe.fromTracker)
	require.NoError(t, err)
	assert.Equal(t, upcall.StatusOK, rep.Status)
}

func TestDispatcher_InitThenCreateThenCheck(t *testing.T) {
	d, _, pipe := newHarness(t, epoch.State{Current: 1, Recovery: 0})
	sendInit(t, d, pipe)
	ctx := context.Background()

	id := clientid.ClientId("alice")
	d.handle(ctx, upcall.Request{Version: 1, Command: upcall.CmdCreate, Xid: 2, Payload: upcall.EncodeClientId(id)})
	rep, err := upcall.DecodeReply(pipe.fromTracker)
	require.NoError(t, err)
	assert.Equal(t, upcall.StatusOK, rep.Status)

	grace, err := d.manager.GraceStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, epoch.State{Current: 2, Recovery: 1}, grace)

	d.handle(ctx, upcall.Request{Version: 1, Command: upcall.CmdCheck, Xid: 3, Payload: upcall.EncodeClientId(id)})
	rep, err = upcall.DecodeReply(pipe.fromTracker)
	require.NoError(t, err)
	assert.Equal(t, upcall.StatusOK, rep.Status, "alice was pre-seeded into the recovery epoch, so Check must allow")
}

func TestDispatcher_CheckDeniedOutsideGrace(t *testing.T) {
	d, _, pipe := newHarness(t, epoch.State{Current: 1, Recovery: 0})
	sendInit(t, d, pipe)
	ctx := context.Background()

	d.handle(ctx, upcall.Request{Version: 1, Command: upcall.CmdCheck, Xid: 2, Payload: upcall.EncodeClientId(clientid.ClientId("bob"))})
	rep, err := upcall.DecodeReply(pipe.fromTracker)
	require.NoError(t, err)
	assert.Equal(t, upcall.StatusDenied, rep.Status)
}

func TestDispatcher_HasSession(t *testing.T) {
	d, _, pipe := newHarness(t, epoch.State{Current: 1, Recovery: 0})
	sendInit(t, d, pipe)
	ctx := context.Background()

	d.handle(ctx, upcall.Request{Version: 1, Command: upcall.CmdHasSession, Xid: 2})
	rep, err := upcall.DecodeReply(pipe.fromTracker)
	require.NoError(t, err)
	v, err := upcall.DecodeBool(rep.Payload)
	require.NoError(t, err)
	assert.True(t, v)
}

func TestDispatcher_RejectsRequestsBeforeInit(t *testing.T) {
	d, _, pipe := newHarness(t, epoch.State{Current: 1, Recovery: 0})
	ctx := context.Background()

	d.handle(ctx, upcall.Request{Version: 1, Command: upcall.CmdCreate, Xid: 1, Payload: upcall.EncodeClientId(clientid.ClientId("x"))})
	assert.Equal(t, 0, pipe.fromTracker.Len(), "no reply should be written for a request before negotiation")
}

func TestDispatcher_GraceStartReplaysRecoverySet(t *testing.T) {
	// Pre-seed a client directly into the current epoch before grace
	// starts, so it becomes the recovery set once grace_start runs.
	fs := newFakeStore()
	fs.buckets[1]["carol"] = struct{}{}
	mgr := epoch.NewManager(fakeEpochStore{s: fs}, epoch.State{Current: 1, Recovery: 0})
	pipe := &pipePair{toTracker: &bytes.Buffer{}, fromTracker: &bytes.Buffer{}}
	tr := upcall.New(pipe)
	d := New(fs, mgr, tr, nil, nil)

	sendInit(t, d, pipe)
	ctx := context.Background()

	d.handle(ctx, upcall.Request{Version: 1, Command: upcall.CmdGraceStart, Xid: 2})

	var entries, dones int
	for pipe.fromTracker.Len() > 0 {
		rep, err := upcall.DecodeReply(pipe.fromTracker)
		require.NoError(t, err)
		switch rep.Command {
		case upcall.CmdRecoveryEntry:
			entries++
			id, err := upcall.DecodeClientId(rep.Payload)
			require.NoError(t, err)
			assert.Equal(t, clientid.ClientId("carol"), id)
		case upcall.CmdRecoveryDone:
			dones++
		case upcall.CmdGraceStart:
			assert.Equal(t, upcall.StatusOK, rep.Status)
		}
	}
	assert.Equal(t, 1, entries)
	assert.Equal(t, 1, dones)
}

// flakyPipe simulates a transport whose first frame is truncated mid-header
// (a bit flip or a stray partial write) followed by a well-formed frame, to
// exercise pump's drop-and-continue behavior on a decode error.
type flakyPipe struct {
	calls   int
	good    *bytes.Buffer
	replies bytes.Buffer
}

func (p *flakyPipe) Read(b []byte) (int, error) {
	p.calls++
	if p.calls == 1 {
		n := copy(b, []byte{1, 2, 3})
		return n, io.ErrUnexpectedEOF
	}
	return p.good.Read(b)
}

func (p *flakyPipe) Write(b []byte) (int, error) { return p.replies.Write(b) }

func TestDispatcher_Run_DropsTruncatedFrameAndServesNext(t *testing.T) {
	good := &bytes.Buffer{}
	require.NoError(t, upcall.EncodeRequest(good, upcall.Request{Version: upcall.ProtocolVersion, Command: upcall.CmdInit, Xid: 9}))
	pipe := &flakyPipe{good: good}
	tr := upcall.New(pipe)

	fs := newFakeStore()
	mgr := epoch.NewManager(fakeEpochStore{s: fs}, epoch.State{Current: 1, Recovery: 0})
	d := New(fs, mgr, tr, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return pipe.replies.Len() > 0
	}, time.Second, time.Millisecond, "the well-formed Init request after the truncated frame should still be served")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}

	rep, err := upcall.DecodeReply(&pipe.replies)
	require.NoError(t, err)
	assert.Equal(t, upcall.CmdInit, rep.Command)
	assert.Equal(t, upcall.StatusOK, rep.Status)
}

func TestInstallSignalHandlers_CancelsContextIndependently(t *testing.T) {
	ctx, stop := InstallSignalHandlers(context.Background())
	defer stop()
	select {
	case <-ctx.Done():
		t.Fatal("context should not be canceled without a signal")
	case <-time.After(10 * time.Millisecond):
	}
}
