// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package asyncexec

import (
	"sync"

	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

// Event is a one-shot cancel flag.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

func newEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set raises the event. It is safe to call more than once.
func (e *Event) Set() {
	e.once.Do(func() { close(e.ch) })
}

// IsSet reports whether the event was raised.
func (e *Event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Done is closed once the event is raised.
func (e *Event) Done() <-chan struct{} {
	return e.ch
}

// EventManager maps task ids to their cancel events.
type EventManager struct {
	mu     sync.RWMutex
	events map[string]*Event
}

// NewEventManager creates an EventManager.
func NewEventManager() *EventManager {
	return &EventManager{events: make(map[string]*Event)}
}

// AddEvent binds a fresh event to taskID, replacing any previous one.
func (m *EventManager) AddEvent(taskID string) *Event {
	ev := newEvent()
	m.mu.Lock()
	m.events[taskID] = ev
	m.mu.Unlock()
	return ev
}

// RemoveEvent forgets the event of taskID.
func (m *EventManager) RemoveEvent(taskID string) {
	m.mu.Lock()
	delete(m.events, taskID)
	m.mu.Unlock()
}

// SetEvent raises the event of taskID.
func (m *EventManager) SetEvent(taskID string) error {
	m.mu.RLock()
	ev, ok := m.events[taskID]
	m.mu.RUnlock()
	if !ok {
		return errors.ErrUnknownTask.GenWithStackByArgs(taskID)
	}
	ev.Set()
	return nil
}

// EventStatus reports whether the event of taskID is raised. Unknown ids
// report false.
func (m *EventManager) EventStatus(taskID string) bool {
	m.mu.RLock()
	ev, ok := m.events[taskID]
	m.mu.RUnlock()
	return ok && ev.IsSet()
}

// Event returns the event of taskID.
func (m *EventManager) Event(taskID string) (*Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[taskID]
	return ev, ok
}

// Len returns the number of known events.
func (m *EventManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
