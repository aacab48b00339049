// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/dwire/pkg/syncmap"
)

// workerJoinTimeout bounds how long teardown waits for the worker goroutine
// to exit after the transport has been shut down. Exceeding it is logged as a
// warning, never escalated; teardown only runs when the host is going away.
const workerJoinTimeout = 10 * time.Second

var (
	// ErrConnectionFailed is returned by NewSession in suspend mode when the
	// connection or handshake attempt definitively failed.
	ErrConnectionFailed = errors.New("debugger connection failed")

	// ErrSessionClosed is returned to callers blocked in SendAwaitReply when
	// the connection drops before the reply arrives.
	ErrSessionClosed = errors.New("session closed")
)

// Config carries the collaborators and options for a session. Engine and
// Runtime are explicit handles rather than ambient globals so the controller
// can be exercised with fakes.
type Config struct {
	// Options is the immutable session configuration.
	Options Options

	// Engine receives connection lifecycle callbacks.
	Engine Engine

	// Runtime attaches the worker goroutine to the host runtime.
	Runtime RuntimeAttacher

	// Handler dispatches inbound command packets. If nil every command is
	// answered with a not-implemented reply.
	Handler PacketHandler

	// Logger for session operations. Verbose protocol tracing is at V(1).
	Logger logr.Logger
}

// Session is the connection/session controller for one attached-or-attachable
// debugger. At most one worker goroutine exists per session for the session's
// entire lifetime.
type Session struct {
	opts    Options
	engine  Engine
	runtime RuntimeAttacher
	handler PacketHandler
	log     logr.Logger

	transport Transport

	// running is the worker loop's continue flag; false is the terminal
	// request to stop.
	running atomic.Bool

	// workerStarted is informational; the start-gate is the real
	// synchronization.
	workerStarted atomic.Bool
	workerDone    chan struct{}

	// Start-gate: signaled once the worker has completed basic
	// initialization (runtime attach included).
	startMu    sync.Mutex
	startCond  *sync.Cond
	startReady bool

	// Attach-gate: signaled once a connection attempt has concluded,
	// successfully or not.
	attachMu   sync.Mutex
	attachCond *sync.Cond
	attachDone bool

	serials *serialRegistry

	// pending maps outstanding request serials to their reply channels.
	pending syncmap.Map[uint32, chan *Packet]

	// lastActivityWhen is the wall-clock millisecond timestamp of the last
	// completed request; 0 means a request is in progress. Polled by
	// unrelated threads, hence atomic.
	lastActivityWhen atomic.Int64

	// debugThreadID identifies the logical thread representing the debugger
	// connection; 0 when no connection is established.
	debugThreadID atomic.Uint64

	// eventThreadID identifies the thread currently dispatching an event;
	// 0 when no dispatch is in flight.
	eventThreadID atomic.Uint64

	// ddmActive is true while the auxiliary monitoring channel is active on
	// the current connection. Worker-only.
	ddmActive bool

	// events is the owning collection of registered debugger event requests.
	// Worker-sequenced; see RegisterEvent.
	events []*EventRequest

	closeOnce sync.Once
}

// NewSession creates a session controller, starts its worker goroutine, and
// waits for the worker to finish basic initialization. With Options.Suspend
// set it additionally waits until a debugger connection attempt has concluded
// and returns ErrConnectionFailed if no connection is active.
//
// A transport startup failure is recoverable for the host: the error is
// returned and the host runs without debugging support. An unrecognized
// transport kind panics; that is a configuration defect.
func NewSession(cfg Config) (*Session, error) {
	return newSession(cfg, func(s *Session) Transport {
		return newTransport(s, cfg.Options.Transport)
	})
}

// newSession is the transport-injectable constructor shared by NewSession and
// the tests.
func newSession(cfg Config, transportFor func(*Session) Transport) (*Session, error) {
	if cfg.Engine == nil || cfg.Runtime == nil {
		return nil, errors.New("dwp: session requires Engine and Runtime collaborators")
	}

	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	s := &Session{
		opts:       cfg.Options,
		engine:     cfg.Engine,
		runtime:    cfg.Runtime,
		handler:    cfg.Handler,
		log:        log,
		workerDone: make(chan struct{}),
		serials:    newSerialRegistry(),
	}
	s.startCond = sync.NewCond(&s.startMu)
	s.attachCond = sync.NewCond(&s.attachMu)

	s.transport = transportFor(s)

	if startupErr := s.transport.Startup(&s.opts); startupErr != nil {
		return nil, fmt.Errorf("transport startup failed: %w", startupErr)
	}

	// Take the gate locks before starting the worker so it cannot signal
	// either condition before we are waiting.
	s.startMu.Lock()
	if s.opts.Suspend {
		s.attachMu.Lock()
	}

	go s.run()

	// Wait until the worker finishes basic initialization. The predicate is
	// re-checked in a loop to tolerate spurious wakeups.
	for !s.startReady {
		s.startCond.Wait()
	}
	s.startMu.Unlock()

	if s.opts.Suspend {
		// Wait for the debugger to connect to us, or for us to connect out
		// to the debugger. The worker signals when the attempt concludes, so
		// check what actually happened on wake.
		for !s.attachDone {
			s.attachCond.Wait()
		}
		s.attachMu.Unlock()

		if !s.IsActive() {
			s.log.Error(nil, "Debugger connection failed")
			s.Close()
			return nil, ErrConnectionFailed
		}

		s.log.Info("Debugger connected", "transport", s.opts.Transport.String())
	}

	return s, nil
}

// IsActive reports whether a debugger is currently connected.
func (s *Session) IsActive() bool {
	return s.transport.IsConnected()
}

// NextRequestSerial returns the serial for the next outbound request packet.
// Safe for concurrent use from any goroutine.
func (s *Session) NextRequestSerial() uint32 {
	return s.serials.nextRequest()
}

// NextEventSerial returns the serial for the next event registration. Safe
// for concurrent use from any goroutine.
func (s *Session) NextEventSerial() uint32 {
	return s.serials.nextEvent()
}

// DebugThreadID returns the runtime identifier of the logical thread
// representing the debugger connection, or 0 when none is established.
func (s *Session) DebugThreadID() uint64 {
	return s.debugThreadID.Load()
}

// SendRequest transmits one outbound packet through the transport's
// serialized write path.
func (s *Session) SendRequest(pkt *Packet) error {
	return s.transport.SendRequest(pkt)
}

// SendAwaitReply transmits a request packet and blocks until the matching
// reply arrives, the context is done, or the connection drops.
func (s *Session) SendAwaitReply(ctx context.Context, pkt *Packet) (*Packet, error) {
	ch := make(chan *Packet, 1)
	s.pending.Store(pkt.Serial, ch)

	if sendErr := s.transport.SendRequest(pkt); sendErr != nil {
		s.pending.Delete(pkt.Serial)
		return nil, sendErr
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		return reply, nil
	case <-ctx.Done():
		s.pending.Delete(pkt.Serial)
		return nil, ctx.Err()
	}
}

// LastDebuggerActivity returns the elapsed milliseconds since the last
// completed debugger request. It returns -1 when no debugger is connected and
// 0 while a request is being processed.
func (s *Session) LastDebuggerActivity() int64 {
	if !s.engine.IsDebuggerConnected() {
		s.log.V(1).Info("No active debugger")
		return -1
	}

	last := s.lastActivityWhen.Load()

	// Initializing, or in the middle of a request.
	if last == 0 {
		s.log.V(1).Info("Debugger activity in progress")
		return 0
	}

	now := time.Now().UnixMilli()
	if now < last {
		// Wall clock went backwards; should not happen with a sane clock.
		s.log.Error(nil, "Activity timestamp is in the future", "now", now, "last", last)
		return 0
	}

	s.log.V(1).Info("Debugger activity interval", "ms", now-last)
	return now - last
}

// StartEventDispatch records the thread that is about to deliver an event to
// the debugger. Cleared by EndEventDispatch, and forcibly by session reset if
// the debugger vanishes mid-dispatch.
func (s *Session) StartEventDispatch(threadID uint64) {
	s.eventThreadID.Store(threadID)
}

// EndEventDispatch marks the in-flight event dispatch as finished.
func (s *Session) EndEventDispatch() {
	s.eventThreadID.Store(0)
}

// EventDispatchInProgress reports whether an event dispatch is in flight.
func (s *Session) EventDispatchInProgress() bool {
	return s.eventThreadID.Load() != 0
}

// ResetSession clears all per-connection state: registered event requests and
// any in-flight reply waiters. Serial counters are deliberately not reset.
// Called at the end of every connection attempt and during teardown; there
// must be no active connection at this point.
func (s *Session) ResetSession() {
	removed := s.UnregisterAll()
	if s.RegisteredEventCount() != 0 {
		s.log.Error(nil, "Event list not empty after unregister-all")
	}
	if removed > 0 {
		s.log.V(1).Info("Unregistered event requests", "count", removed)
	}

	// Should not have an event dispatch in progress. If the debugger went
	// away mid-request we can see this; reset anyway.
	if tid := s.eventThreadID.Load(); tid != 0 {
		s.log.Error(nil, "Resetting state while event dispatch in progress", "threadID", tid)
		s.eventThreadID.Store(0)
	}

	// Unblock anyone waiting on a reply that will never come.
	s.pending.Range(func(serial uint32, ch chan *Packet) bool {
		s.pending.Delete(serial)
		close(ch)
		return true
	})
}

// Close tears the session down: it notifies a connected debugger that the VM
// is dying (best effort), shuts down the transport to unblock the worker,
// waits for the worker to exit, releases transport resources, and resets
// session state. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(s.close)
}

func (s *Session) close() {
	if s.IsActive() {
		s.postVMDeath()
	}

	s.log.V(1).Info("Shutting down transport")
	s.transport.Shutdown()
	s.running.Store(false)

	if s.workerStarted.Load() {
		select {
		case <-s.workerDone:
		case <-time.After(workerJoinTimeout):
			s.log.Error(nil, "Worker did not exit in time; continuing teardown")
		}
	}

	s.log.V(1).Info("Releasing transport resources")
	s.transport.Release()
	if s.transport.IsConnected() {
		s.log.Error(nil, "Connection endpoint still present after release")
	}

	s.ResetSession()
}

// postVMDeath sends the VM-death event notification through the normal
// request path. Best effort: teardown proceeds regardless of delivery.
func (s *Session) postVMDeath() {
	// Composite event: suspend policy none, a single VM-death event with
	// request id 0 (automatic, not debugger-requested).
	payload := make([]byte, 0, 10)
	payload = append(payload, 0)
	payload = binary.BigEndian.AppendUint32(payload, 1)
	payload = append(payload, byte(EventVMDeath))
	payload = binary.BigEndian.AppendUint32(payload, 0)

	pkt := &Packet{
		Serial:  s.NextRequestSerial(),
		CmdSet:  CmdSetEvent,
		Cmd:     CmdCompositeEvent,
		Payload: payload,
	}
	if sendErr := s.transport.SendRequest(pkt); sendErr != nil {
		s.log.V(1).Info("Failed to post VM death notification", "error", sendErr)
	}
}

// signalStart marks basic worker initialization as complete and wakes the
// creator blocked in NewSession.
func (s *Session) signalStart() {
	s.startMu.Lock()
	s.startReady = true
	s.startCond.Broadcast()
	s.startMu.Unlock()
}

// concludeAttach marks the current connection attempt as concluded and wakes
// a creator blocked in suspend mode. Idempotent; no signal is ever sent while
// an attempt is still pending.
func (s *Session) concludeAttach() {
	s.attachMu.Lock()
	s.attachDone = true
	s.attachCond.Broadcast()
	s.attachMu.Unlock()
}

// run is the worker goroutine: the per-connection processing loop.
func (s *Session) run() {
	defer close(s.workerDone)

	wc, attachErr := s.runtime.AttachWorker("debug wire worker")
	if attachErr != nil {
		// The worker cannot participate in the runtime's thread model.
		// Surface the failure through the gates so the creator never hangs.
		s.log.Error(attachErr, "Failed to attach worker to runtime")
		s.signalStart()
		s.concludeAttach()
		return
	}

	s.log.V(1).Info("Worker running")

	// Finish initializing, then notify the creating goroutine.
	s.running.Store(true)
	s.workerStarted.Store(true)
	s.signalStart()

	// Stay in the waiting mode while blocked on the network so the runtime
	// does not wait on us.
	wc.SetWaiting()

	// The attach-gate must always conclude by the time the worker exits,
	// even on paths (server-mode accept failure) that never saw a
	// connection; otherwise a suspended creator would hang on shutdown.
	defer s.concludeAttach()

	// Loop forever in server mode, processing connections. In client mode,
	// bail out of the worker when the debugger drops us.
	for s.running.Load() {
		if s.opts.Server {
			if acceptErr := s.transport.Accept(); acceptErr != nil {
				s.log.V(1).Info("Accept ended", "error", acceptErr)
				break
			}
		} else {
			if establishErr := s.transport.Establish(); establishErr != nil {
				s.log.Error(establishErr, "Failed to establish debugger connection")
				// Wake anybody who was waiting for us to succeed.
				s.concludeAttach()
				break
			}
		}

		// Prep the engine to handle the new connection.
		s.engine.Connected()

		// Process requests until the debugger drops.
		first := true
		if !s.transport.AwaitingHandshake() {
			// Outbound transports finish the handshake while establishing, so
			// the connection is already fully up.
			first = false
			s.debugThreadID.Store(s.engine.ThreadSelfID())
			s.concludeAttach()
		}
		for !s.engine.IsDisposed() {
			// Shouldn't happen, but self-correct rather than carry a wrong
			// mode into a blocking read.
			if mode := wc.Mode(); mode != ModeWaiting {
				s.log.Error(nil, "Worker no longer in waiting mode; resetting", "mode", mode.String())
				wc.SetWaiting()
			}

			if processErr := s.transport.ProcessIncoming(); processErr != nil {
				s.log.V(1).Info("Read failed or peer disconnected", "error", processErr)
				break
			}

			if first && !s.transport.AwaitingHandshake() {
				// Handshake worked; record the debugger's logical thread and
				// wake anybody who is waiting for us.
				first = false
				s.debugThreadID.Store(s.engine.ThreadSelfID())
				s.concludeAttach()
			}
		}

		s.transport.Close()
		s.debugThreadID.Store(0)

		if s.ddmActive {
			s.ddmActive = false

			// The disconnect broadcast may allocate or call back into the
			// runtime, so it must run fully schedulable.
			wc.SetRunning()
			s.engine.DdmDisconnected()
			wc.SetWaiting()
		}

		// Release session state, e.g. registered event requests.
		s.ResetSession()

		// Tell the engine the debugger is no longer around, then resume
		// anything it left suspended. UndoDebuggerSuspensions runs
		// unconditionally; it must be a no-op when nothing is suspended.
		s.engine.Disconnected()
		s.engine.UndoDebuggerSuspensions()

		// If we connected out, this was a one-shot deal.
		if !s.opts.Server {
			s.running.Store(false)
		}
	}

	// Back to running for worker shutdown.
	wc.SetRunning()
	s.log.V(1).Info("Worker detaching and exiting")
	wc.Detach()
}

// handleIncoming is called by transports for each complete inbound packet.
// Replies are routed to their waiting sender; command packets are dispatched
// through the PacketHandler and answered on the serialized write path.
func (s *Session) handleIncoming(pkt *Packet) error {
	s.log.V(1).Info("Received packet", "packet", pkt.String())

	if pkt.IsReply() {
		if ch, found := s.pending.LoadAndDelete(pkt.Serial); found {
			ch <- pkt
			return nil
		}
		s.log.V(1).Info("Dropping unmatched reply", "serial", pkt.Serial)
		return nil
	}

	ddm := pkt.IsDDM()
	if ddm && !s.ddmActive {
		s.ddmActive = true
		s.log.V(1).Info("Auxiliary monitoring channel active")
	}

	// Activity tracking covers debugger commands, not auxiliary-channel
	// traffic: 0 marks a request in progress until the reply is written.
	if !ddm {
		s.lastActivityWhen.Store(0)
	}

	var reply *Packet
	if s.handler != nil {
		handlerReply, handleErr := s.handler.HandlePacket(s, pkt)
		if handleErr != nil {
			s.log.Error(handleErr, "Packet handler failed", "packet", pkt.String())
			reply = NewReply(pkt, ErrCodeNotImplemented, nil)
		} else {
			reply = handlerReply
		}
	} else if !ddm {
		reply = NewReply(pkt, ErrCodeNotImplemented, nil)
	}

	if reply != nil {
		if sendErr := s.transport.SendRequest(reply); sendErr != nil {
			if !ddm {
				s.lastActivityWhen.Store(time.Now().UnixMilli())
			}
			return fmt.Errorf("failed to send reply: %w", sendErr)
		}
	}

	if !ddm {
		s.lastActivityWhen.Store(time.Now().UnixMilli())
	}
	return nil
}
