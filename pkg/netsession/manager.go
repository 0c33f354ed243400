// Copyright 2024 Mirastream, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package netsession provides datagram-oriented network sessions for the
// RTP engine. A session is bound to a local port, connected to a remote
// address, and delivers inbound datagrams and connection events
// asynchronously to a per-session handler, tagged with the session id.
package netsession

import (
	"sync"

	"github.com/mirastream/mirastream-sender/pkg/logger"
)

// SessionID identifies an open session. Zero is never assigned and is
// used by callers to mean "not established".
type SessionID int32

type EventType int

const (
	EventDatagram EventType = iota
	EventError
	EventConnected
)

// Event is delivered asynchronously from a session's receive loop.
type Event struct {
	Type      EventType
	SessionID SessionID

	// EventDatagram
	Data []byte

	// EventError
	Err        error
	DuringSend bool
}

// EventHandler receives session events. Handlers are invoked from the
// session's own goroutine and must not block for long.
type EventHandler func(Event)

type session interface {
	send(data []byte) error
	close()
}

// Manager owns all open sessions and hands out ids.
type Manager struct {
	logger logger.Logger

	mu       sync.Mutex
	sessions map[SessionID]session
	nextID   SessionID
	closed   bool
}

func NewManager(l logger.Logger) *Manager {
	return &Manager{
		logger:   l,
		sessions: make(map[SessionID]session),
	}
}

// CreateUDPSession opens a UDP socket bound to localPort and connected
// to remoteHost:remotePort. Bind failures are reported synchronously so
// callers can probe for a free port.
func (m *Manager) CreateUDPSession(localPort int, remoteHost string, remotePort int, h EventHandler) (SessionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	id := m.allocateIDLocked()
	s, err := newUDPSession(id, localPort, remoteHost, remotePort, h, m.logger)
	if err != nil {
		return 0, err
	}
	m.sessions[id] = s
	return id, nil
}

// CreateTCPDatagramSession opens a TCP connection bound to localPort,
// carrying length-prefixed datagrams. The connection is established
// asynchronously; the handler receives EventConnected on success or
// EventError on failure.
func (m *Manager) CreateTCPDatagramSession(localPort int, remoteHost string, remotePort int, h EventHandler) (SessionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	id := m.allocateIDLocked()
	s := newTCPDatagramSession(id, localPort, remoteHost, remotePort, h, m.logger)
	m.sessions[id] = s
	return id, nil
}

// SendRequest emits one datagram (or one framed chunk in TCP mode) on
// the given session.
func (m *Manager) SendRequest(id SessionID, data []byte) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	return s.send(data)
}

// DestroySession closes the session and releases its id. Destroying an
// unknown id is an error but harmless.
func (m *Manager) DestroySession(id SessionID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.close()
	return nil
}

// Close tears down all remaining sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[SessionID]session)
	m.closed = true
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (m *Manager) allocateIDLocked() SessionID {
	m.nextID++
	if m.nextID == 0 {
		m.nextID = 1
	}
	return m.nextID
}
