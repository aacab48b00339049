// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package syncmap is a generic wrapper over standard library sync.Map
package syncmap

import "sync"

func zero[T any]() T {
	return *new(T)
}

type Map[Key comparable, Value any] sync.Map

func (m *Map[Key, Value]) syncMap() *sync.Map {
	return (*sync.Map)(m)
}

func (m *Map[Key, Value]) Store(key Key, value Value) {
	m.syncMap().Store(key, value)
}

// Returns the value stored in the map (if found), and a boolean indicating whether the value was found.
func (m *Map[Key, Value]) Load(key Key) (Value, bool) {
	anyValue, found := m.syncMap().Load(key)
	if !found {
		return zero[Value](), false
	} else {
		return zeroIfNil[Value](anyValue), true
	}
}

// Deletes the value for the passed key.
// If the key has no corresponding value, the map is unchanged.
func (m *Map[Key, Value]) Delete(key Key) {
	m.syncMap().Delete(key)
}

// Loads and deletes the value for the passed key.
// If the key has no corresponding value, the map is unchanged and the returned boolean is false.
func (m *Map[Key, Value]) LoadAndDelete(key Key) (Value, bool) {
	anyValue, found := m.syncMap().LoadAndDelete(key)
	if !found {
		return zero[Value](), false
	} else {
		return zeroIfNil[Value](anyValue), true
	}
}

// Calls passed function foreach key-value pair in the map.
// If the function returns false, the iteration stops.
func (m *Map[Key, Value]) Range(f func(key Key, value Value) bool) {
	m.syncMap().Range(func(key, value any) bool {
		return f(key.(Key), zeroIfNil[Value](value))
	})
}

// Returns true if the map is empty.
// Note that this is point-in-time check, and the map might be modified immediately after this method returns.
func (m *Map[Key, Value]) Empty() bool {
	empty := true
	m.syncMap().Range(func(_, _ any) bool {
		empty = false
		return false
	})
	return empty
}

func zeroIfNil[T any](v any) T {
	if v == nil {
		return zero[T]()
	} else {
		return v.(T)
	}
}
