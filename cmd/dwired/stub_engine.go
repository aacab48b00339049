// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/microsoft/dwire/internal/dwp"
)

// stubEngine is a minimal Engine/RuntimeAttacher for manual testing. It has
// no real runtime behind it; it just tracks connection state and logs the
// lifecycle callbacks the controller makes.
type stubEngine struct {
	log       logr.Logger
	connected atomic.Bool
	disposed  atomic.Bool
}

func newStubEngine(log logr.Logger) *stubEngine {
	return &stubEngine{log: log.WithName("engine")}
}

func (e *stubEngine) Connected() {
	e.connected.Store(true)
	e.log.Info("Debugger transport connected")
}

func (e *stubEngine) IsDisposed() bool {
	return e.disposed.Load()
}

func (e *stubEngine) Disconnected() {
	e.connected.Store(false)
	e.log.Info("Debugger disconnected")
}

func (e *stubEngine) DdmDisconnected() {
	e.log.Info("Auxiliary monitoring channel closed")
}

func (e *stubEngine) UndoDebuggerSuspensions() {
	// Nothing is ever suspended in the stub.
}

func (e *stubEngine) ThreadSelfID() uint64 {
	return 1
}

func (e *stubEngine) IsDebuggerConnected() bool {
	return e.connected.Load()
}

func (e *stubEngine) AttachWorker(name string) (dwp.WorkerContext, error) {
	e.log.V(1).Info("Worker attached", "name", name)
	return &stubWorker{log: e.log, mode: int32(dwp.ModeRunning)}, nil
}

type stubWorker struct {
	log  logr.Logger
	mode int32
}

func (w *stubWorker) SetWaiting() {
	atomic.StoreInt32(&w.mode, int32(dwp.ModeWaiting))
}

func (w *stubWorker) SetRunning() {
	atomic.StoreInt32(&w.mode, int32(dwp.ModeRunning))
}

func (w *stubWorker) Mode() dwp.ExecMode {
	return dwp.ExecMode(atomic.LoadInt32(&w.mode))
}

func (w *stubWorker) Detach() {
	w.log.V(1).Info("Worker detached")
}
