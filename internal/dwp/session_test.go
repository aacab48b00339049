// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dwire/pkg/testutil"
)

// fakeTransport is a scriptable Transport. Accept and ProcessIncoming block
// until the test feeds them a result or the transport is shut down.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	awaiting  bool

	startupErr   error
	acceptErr    error
	establishErr error

	acceptCh chan struct{}
	packetCh chan error

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	sentMu sync.Mutex
	sent   []*Packet

	releaseCalls atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		acceptCh:   make(chan struct{}, 1),
		packetCh:   make(chan error),
		shutdownCh: make(chan struct{}),
	}
}

func (ft *fakeTransport) Startup(_ *Options) error {
	return ft.startupErr
}

func (ft *fakeTransport) Accept() error {
	if ft.acceptErr != nil {
		return ft.acceptErr
	}
	select {
	case <-ft.acceptCh:
		ft.mu.Lock()
		ft.connected = true
		ft.awaiting = true
		ft.mu.Unlock()
		return nil
	case <-ft.shutdownCh:
		return ErrTransportShutdown
	}
}

func (ft *fakeTransport) Establish() error {
	if ft.establishErr != nil {
		return ft.establishErr
	}
	ft.mu.Lock()
	ft.connected = true
	ft.awaiting = true
	ft.mu.Unlock()
	return nil
}

func (ft *fakeTransport) ProcessIncoming() error {
	select {
	case processErr := <-ft.packetCh:
		if processErr == nil {
			ft.mu.Lock()
			ft.awaiting = false
			ft.mu.Unlock()
		}
		return processErr
	case <-ft.shutdownCh:
		return ErrTransportShutdown
	}
}

func (ft *fakeTransport) AwaitingHandshake() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return !ft.connected || ft.awaiting
}

func (ft *fakeTransport) SendRequest(pkt *Packet) error {
	ft.mu.Lock()
	connected := ft.connected
	ft.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	ft.sentMu.Lock()
	ft.sent = append(ft.sent, pkt)
	ft.sentMu.Unlock()
	return nil
}

func (ft *fakeTransport) IsConnected() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.connected
}

func (ft *fakeTransport) Close() {
	ft.mu.Lock()
	ft.connected = false
	ft.mu.Unlock()
}

func (ft *fakeTransport) Shutdown() {
	ft.shutdownOnce.Do(func() { close(ft.shutdownCh) })
}

func (ft *fakeTransport) Release() {
	ft.releaseCalls.Add(1)
	ft.Close()
}

func (ft *fakeTransport) sentPackets() []*Packet {
	ft.sentMu.Lock()
	defer ft.sentMu.Unlock()
	out := make([]*Packet, len(ft.sent))
	copy(out, ft.sent)
	return out
}

// fakeEngine records lifecycle callbacks from the session worker.
type fakeEngine struct {
	debuggerConnected atomic.Bool
	disposed          atomic.Bool
	connects          atomic.Int32
	disconnects       atomic.Int32
	ddmDisconnects    atomic.Int32
	undoCalls         atomic.Int32
}

func (fe *fakeEngine) Connected() {
	fe.debuggerConnected.Store(true)
	fe.connects.Add(1)
}

func (fe *fakeEngine) Disconnected() {
	fe.debuggerConnected.Store(false)
	fe.disconnects.Add(1)
}

func (fe *fakeEngine) DdmDisconnected()         { fe.ddmDisconnects.Add(1) }
func (fe *fakeEngine) UndoDebuggerSuspensions() { fe.undoCalls.Add(1) }
func (fe *fakeEngine) IsDisposed() bool         { return fe.disposed.Load() }
func (fe *fakeEngine) ThreadSelfID() uint64     { return 42 }

func (fe *fakeEngine) IsDebuggerConnected() bool { return fe.debuggerConnected.Load() }

type fakeWorker struct {
	mode     atomic.Int32
	detached atomic.Bool
}

func (fw *fakeWorker) SetWaiting()    { fw.mode.Store(int32(ModeWaiting)) }
func (fw *fakeWorker) SetRunning()    { fw.mode.Store(int32(ModeRunning)) }
func (fw *fakeWorker) Mode() ExecMode { return ExecMode(fw.mode.Load()) }
func (fw *fakeWorker) Detach()        { fw.detached.Store(true) }

type fakeRuntime struct {
	attachErr error

	mu     sync.Mutex
	worker *fakeWorker
}

func (fr *fakeRuntime) AttachWorker(_ string) (WorkerContext, error) {
	if fr.attachErr != nil {
		return nil, fr.attachErr
	}
	fw := &fakeWorker{}
	fw.mode.Store(int32(ModeRunning))
	fr.mu.Lock()
	fr.worker = fw
	fr.mu.Unlock()
	return fw, nil
}

func (fr *fakeRuntime) attachedWorker() *fakeWorker {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.worker
}

type sessionResult struct {
	sess *Session
	err  error
}

func startFakeSession(t *testing.T, opts Options, ft *fakeTransport, fe *fakeEngine, fr *fakeRuntime) chan sessionResult {
	t.Helper()
	cfg := Config{
		Options: opts,
		Engine:  fe,
		Runtime: fr,
		Logger:  testutil.NewLogForTesting(t.Name()),
	}
	resultCh := make(chan sessionResult, 1)
	go func() {
		sess, sessErr := newSession(cfg, func(*Session) Transport { return ft })
		resultCh <- sessionResult{sess, sessErr}
	}()
	return resultCh
}

func awaitSession(t *testing.T, resultCh chan sessionResult) (*Session, error) {
	t.Helper()
	select {
	case res := <-resultCh:
		return res.sess, res.err
	case <-time.After(5 * time.Second):
		t.Fatal("session creation did not complete in time")
		return nil, nil
	}
}

func TestServerSuspendWaitsForHandshake(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: true, Suspend: true}, ft, fe, fr)

	// The debugger connects but has not completed the handshake yet; the
	// creating call must still be blocked.
	ft.acceptCh <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	select {
	case <-resultCh:
		t.Fatal("session creation returned before handshake completed")
	default:
	}

	// Handshake bytes arrive.
	ft.packetCh <- nil

	sess, sessErr := awaitSession(t, resultCh)
	require.NoError(t, sessErr)
	require.NotNil(t, sess)
	defer sess.Close()

	assert.True(t, sess.IsActive())
	assert.EqualValues(t, 1, fe.connects.Load())
	assert.EqualValues(t, 42, sess.DebugThreadID())
}

func TestServerSuspendAcceptFailure(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.acceptErr = errors.New("listener closed")
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: true, Suspend: true}, ft, fe, fr)

	// Must conclude promptly rather than hang on the attach gate.
	sess, sessErr := awaitSession(t, resultCh)
	require.ErrorIs(t, sessErr, ErrConnectionFailed)
	assert.Nil(t, sess)
}

func TestClientSuspendEstablishFailure(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.establishErr = errors.New("connection refused")
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: false, Suspend: true}, ft, fe, fr)

	sess, sessErr := awaitSession(t, resultCh)
	require.ErrorIs(t, sessErr, ErrConnectionFailed)
	assert.Nil(t, sess)

	// Close ran as part of the failure path, which joins the worker; by now
	// the worker must have detached from the runtime.
	fw := fr.attachedWorker()
	require.NotNil(t, fw)
	assert.True(t, fw.detached.Load())
	assert.EqualValues(t, 1, ft.releaseCalls.Load())
}

func TestNoSuspendReturnsImmediately(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: true, Suspend: false}, ft, fe, fr)

	sess, sessErr := awaitSession(t, resultCh)
	require.NoError(t, sessErr)
	require.NotNil(t, sess)
	defer sess.Close()

	// No debugger has connected yet.
	assert.False(t, sess.IsActive())
	assert.Equal(t, int64(-1), sess.LastDebuggerActivity())
}

func TestStartupFailure(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.startupErr = errors.New("address in use")
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	cfg := Config{
		Options: Options{Transport: TransportSocket, Server: true},
		Engine:  fe,
		Runtime: fr,
		Logger:  testutil.NewLogForTesting(t.Name()),
	}
	sess, sessErr := newSession(cfg, func(*Session) Transport { return ft })
	require.Error(t, sessErr)
	assert.Nil(t, sess)
}

func TestWorkerAttachFailure(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	fe := &fakeEngine{}
	fr := &fakeRuntime{attachErr: errors.New("runtime shutting down")}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: true, Suspend: true}, ft, fe, fr)

	// Both gates must conclude even though the worker never ran a connection
	// attempt.
	sess, sessErr := awaitSession(t, resultCh)
	require.ErrorIs(t, sessErr, ErrConnectionFailed)
	assert.Nil(t, sess)
}

func TestTeardownNotifiesDebugger(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: true, Suspend: true}, ft, fe, fr)
	ft.acceptCh <- struct{}{}
	ft.packetCh <- nil

	sess, sessErr := awaitSession(t, resultCh)
	require.NoError(t, sessErr)

	sess.Close()

	sent := ft.sentPackets()
	require.Len(t, sent, 1)
	death := sent[0]
	assert.Equal(t, byte(CmdSetEvent), death.CmdSet)
	assert.Equal(t, byte(CmdCompositeEvent), death.Cmd)
	require.GreaterOrEqual(t, len(death.Payload), 10)
	assert.Equal(t, byte(EventVMDeath), death.Payload[5])

	// The transport endpoint is gone and the worker has exited.
	assert.False(t, sess.IsActive())
	assert.GreaterOrEqual(t, ft.releaseCalls.Load(), int32(1))
	fw := fr.attachedWorker()
	require.NotNil(t, fw)
	assert.True(t, fw.detached.Load())

	// Double close is a no-op.
	sess.Close()
	assert.Len(t, ft.sentPackets(), 1)
}

func TestDisconnectResetsSession(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: true, Suspend: true}, ft, fe, fr)
	ft.acceptCh <- struct{}{}
	ft.packetCh <- nil

	sess, sessErr := awaitSession(t, resultCh)
	require.NoError(t, sessErr)
	defer sess.Close()

	sess.RegisterEvent(&EventRequest{ID: sess.NextEventSerial(), Kind: EventBreakpoint})
	require.Equal(t, 1, sess.RegisteredEventCount())

	// Debugger drops; the worker tears the connection down and loops back to
	// accepting.
	ft.packetCh <- errors.New("peer disconnected")

	require.Eventually(t, func() bool {
		return fe.disconnects.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, sess.RegisteredEventCount())
	assert.EqualValues(t, 1, fe.undoCalls.Load())
	assert.EqualValues(t, 0, sess.DebugThreadID())
	assert.False(t, sess.IsActive())
	assert.Equal(t, int64(-1), sess.LastDebuggerActivity())
}

func TestClientModeIsOneShot(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: false, Suspend: true}, ft, fe, fr)
	ft.packetCh <- nil

	sess, sessErr := awaitSession(t, resultCh)
	require.NoError(t, sessErr)
	defer sess.Close()

	// When the connection drops in client mode the worker exits instead of
	// retrying.
	ft.packetCh <- errors.New("peer disconnected")

	select {
	case <-sess.workerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after client-mode disconnect")
	}

	fw := fr.attachedWorker()
	require.NotNil(t, fw)
	assert.True(t, fw.detached.Load())
	assert.EqualValues(t, 1, fe.disconnects.Load())
}

func TestDdmDisconnectNotification(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: true, Suspend: true}, ft, fe, fr)
	ft.acceptCh <- struct{}{}
	ft.packetCh <- nil

	sess, sessErr := awaitSession(t, resultCh)
	require.NoError(t, sessErr)
	defer sess.Close()

	// Auxiliary-channel traffic marks the channel active for this connection.
	require.NoError(t, sess.handleIncoming(&Packet{
		Serial: 7,
		CmdSet: CmdSetDDM,
		Cmd:    1,
	}))

	ft.packetCh <- errors.New("peer disconnected")

	require.Eventually(t, func() bool {
		return fe.ddmDisconnects.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSendAwaitReply(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: true, Suspend: true}, ft, fe, fr)
	ft.acceptCh <- struct{}{}
	ft.packetCh <- nil

	sess, sessErr := awaitSession(t, resultCh)
	require.NoError(t, sessErr)
	defer sess.Close()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	req := &Packet{
		Serial: sess.NextRequestSerial(),
		CmdSet: CmdSetVM,
		Cmd:    1,
	}

	go func() {
		// Simulate the debugger answering the request.
		time.Sleep(20 * time.Millisecond)
		_ = sess.handleIncoming(NewReply(req, ErrCodeNone, []byte("pong")))
	}()

	reply, replyErr := sess.SendAwaitReply(ctx, req)
	require.NoError(t, replyErr)
	require.NotNil(t, reply)
	assert.True(t, reply.IsReply())
	assert.Equal(t, req.Serial, reply.Serial)
	assert.Equal(t, []byte("pong"), reply.Payload)
}

func TestSendAwaitReplyUnblockedByReset(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: true, Suspend: true}, ft, fe, fr)
	ft.acceptCh <- struct{}{}
	ft.packetCh <- nil

	sess, sessErr := awaitSession(t, resultCh)
	require.NoError(t, sessErr)
	defer sess.Close()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	req := &Packet{
		Serial: sess.NextRequestSerial(),
		CmdSet: CmdSetVM,
		Cmd:    1,
	}

	replyErrCh := make(chan error, 1)
	go func() {
		_, awaitErr := sess.SendAwaitReply(ctx, req)
		replyErrCh <- awaitErr
	}()

	// Wait for the waiter to register, then reset away its pending entry.
	require.Eventually(t, func() bool {
		_, found := sess.pending.Load(req.Serial)
		return found
	}, 5*time.Second, 5*time.Millisecond)

	sess.ResetSession()

	select {
	case awaitErr := <-replyErrCh:
		assert.ErrorIs(t, awaitErr, ErrSessionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("SendAwaitReply was not unblocked by session reset")
	}
}

func TestUnsolicitedCommandGetsNotImplementedReply(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: true, Suspend: true}, ft, fe, fr)
	ft.acceptCh <- struct{}{}
	ft.packetCh <- nil

	sess, sessErr := awaitSession(t, resultCh)
	require.NoError(t, sessErr)
	defer sess.Close()

	require.NoError(t, sess.handleIncoming(&Packet{
		Serial: 99,
		CmdSet: 15,
		Cmd:    1,
	}))

	sent := ft.sentPackets()
	require.Len(t, sent, 1)
	reply := sent[0]
	assert.True(t, reply.IsReply())
	assert.Equal(t, uint32(99), reply.Serial)
	assert.Equal(t, ErrCodeNotImplemented, reply.ErrCode)

	// The request is complete, so activity reads as elapsed time.
	assert.GreaterOrEqual(t, sess.LastDebuggerActivity(), int64(0))
}

func TestLastDebuggerActivity(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: true, Suspend: false}, ft, fe, fr)
	sess, sessErr := awaitSession(t, resultCh)
	require.NoError(t, sessErr)
	defer sess.Close()

	// No debugger attached.
	assert.Equal(t, int64(-1), sess.LastDebuggerActivity())

	fe.debuggerConnected.Store(true)

	// Request in progress.
	sess.lastActivityWhen.Store(0)
	assert.Equal(t, int64(0), sess.LastDebuggerActivity())

	// Idle: elapsed time, non-negative and non-decreasing across polls.
	sess.lastActivityWhen.Store(time.Now().Add(-100 * time.Millisecond).UnixMilli())
	first := sess.LastDebuggerActivity()
	assert.GreaterOrEqual(t, first, int64(100))
	time.Sleep(10 * time.Millisecond)
	second := sess.LastDebuggerActivity()
	assert.GreaterOrEqual(t, second, first)
}

func TestEventDispatchTracking(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	fe := &fakeEngine{}
	fr := &fakeRuntime{}

	resultCh := startFakeSession(t, Options{Transport: TransportSocket, Server: true, Suspend: false}, ft, fe, fr)
	sess, sessErr := awaitSession(t, resultCh)
	require.NoError(t, sessErr)
	defer sess.Close()

	assert.False(t, sess.EventDispatchInProgress())
	sess.StartEventDispatch(7)
	assert.True(t, sess.EventDispatchInProgress())
	sess.EndEventDispatch()
	assert.False(t, sess.EventDispatchInProgress())

	// Reset clears a dispatch left behind by a vanished debugger.
	sess.StartEventDispatch(7)
	sess.ResetSession()
	assert.False(t, sess.EventDispatchInProgress())
}
