// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

import "fmt"

// EventKind identifies the kind of runtime occurrence a debugger has asked to
// be notified about.
type EventKind byte

const (
	EventSingleStep   EventKind = 1
	EventBreakpoint   EventKind = 2
	EventException    EventKind = 4
	EventThreadStart  EventKind = 6
	EventThreadEnd    EventKind = 7
	EventClassPrepare EventKind = 8
	EventVMDeath      EventKind = 99
)

// String returns a stable human-readable rendering for logs and traces.
func (k EventKind) String() string {
	switch k {
	case EventSingleStep:
		return "SingleStep"
	case EventBreakpoint:
		return "Breakpoint"
	case EventException:
		return "Exception"
	case EventThreadStart:
		return "ThreadStart"
	case EventThreadEnd:
		return "ThreadEnd"
	case EventClassPrepare:
		return "ClassPrepare"
	case EventVMDeath:
		return "VMDeath"
	default:
		return fmt.Sprintf("EventKind[%d]", byte(k))
	}
}

// EventRequest is one debugger-registered event request. The session owns the
// collection of registered requests for the current connection; the
// collection is cleared as a whole on every session reset.
type EventRequest struct {
	// ID is the event serial assigned when the request was registered.
	ID uint32

	// Kind is the requested event kind.
	Kind EventKind

	// Loc restricts location-bound events (breakpoints, steps) to a single
	// code position. Nil for kinds without a location.
	Loc *Location
}

// String returns a one-line diagnostic rendering of the request.
func (e *EventRequest) String() string {
	if e.Loc != nil {
		return fmt.Sprintf("EventRequest[0x%x %s %s]", e.ID, e.Kind, *e.Loc)
	}
	return fmt.Sprintf("EventRequest[0x%x %s]", e.ID, e.Kind)
}

// RegisterEvent adds a debugger event request to the session's registered
// set. The collection is touched only by the worker goroutine (while
// dispatching an event-set command) and by session reset, which the
// connection protocol sequences with worker activity; no extra locking is
// required as long as callers preserve that invariant.
func (s *Session) RegisterEvent(ev *EventRequest) {
	s.events = append(s.events, ev)
	s.log.V(1).Info("Registered event request", "event", ev.String())
}

// UnregisterAll removes every registered event request and returns how many
// were removed.
func (s *Session) UnregisterAll() int {
	n := len(s.events)
	s.events = nil
	return n
}

// RegisteredEventCount reports the number of currently registered event
// requests. Worker-sequenced, like RegisterEvent.
func (s *Session) RegisteredEventCount() int {
	return len(s.events)
}
