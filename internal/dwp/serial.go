// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

import "sync"

// Serial base offsets. Requests and events start in visibly different ranges
// so packets of either kind are easy to tell apart in protocol traces. The
// counters never reset; continuity across reconnects keeps traces
// disambiguable.
const (
	RequestSerialBase uint32 = 0x10000000
	EventSerialBase   uint32 = 0x20000000
)

// serialRegistry issues unique ascending serials for outbound request and
// event packets. Both counters share one lock because either may be bumped by
// the worker and by unrelated runtime threads posting asynchronous events.
type serialRegistry struct {
	mu            sync.Mutex
	requestSerial uint32
	eventSerial   uint32
}

func newSerialRegistry() *serialRegistry {
	return &serialRegistry{
		requestSerial: RequestSerialBase,
		eventSerial:   EventSerialBase,
	}
}

// nextRequest returns the next request serial.
func (r *serialRegistry) nextRequest() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	serial := r.requestSerial
	r.requestSerial++
	return serial
}

// nextEvent returns the next event serial.
func (r *serialRegistry) nextEvent() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	serial := r.eventSerial
	r.eventSerial++
	return serial
}
