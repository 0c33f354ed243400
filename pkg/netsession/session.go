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

package netsession

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"

	"github.com/mirastream/mirastream-sender/pkg/logger"
)

const maxDatagramSize = 65536

// ------------------------------------------------

type udpSession struct {
	id      SessionID
	conn    *net.UDPConn
	raddr   *net.UDPAddr
	handler EventHandler
	logger  logger.Logger
	done    core.Fuse
}

func newUDPSession(id SessionID, localPort int, remoteHost string, remotePort int, h EventHandler, l logger.Logger) (*udpSession, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", remoteHost, remotePort))
	if err != nil {
		return nil, errors.Wrap(err, "could not resolve remote address")
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, errors.Wrapf(err, "could not bind local port %d", localPort)
	}

	s := &udpSession{
		id:      id,
		conn:    conn,
		raddr:   raddr,
		handler: h,
		logger:  l,
		done:    core.NewFuse(),
	}
	go s.readLoop()
	return s, nil
}

func (s *udpSession) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.done.IsBroken() {
				return
			}
			s.handler(Event{Type: EventError, SessionID: s.id, Err: err})
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handler(Event{Type: EventDatagram, SessionID: s.id, Data: data})
	}
}

func (s *udpSession) send(data []byte) error {
	_, err := s.conn.WriteToUDP(data, s.raddr)
	return err
}

func (s *udpSession) close() {
	s.done.Once(func() {
		_ = s.conn.Close()
	})
}

// ------------------------------------------------

// tcpDatagramSession carries datagrams over a TCP connection, each
// prefixed with a 16-bit big-endian length. The connection is dialed in
// the background; sends before EventConnected fail with ErrNotConnected.
type tcpDatagramSession struct {
	id      SessionID
	handler EventHandler
	logger  logger.Logger

	mu   sync.Mutex
	conn *net.TCPConn
	done core.Fuse
}

func newTCPDatagramSession(id SessionID, localPort int, remoteHost string, remotePort int, h EventHandler, l logger.Logger) *tcpDatagramSession {
	s := &tcpDatagramSession{
		id:      id,
		handler: h,
		logger:  l,
		done:    core.NewFuse(),
	}
	go s.connect(localPort, remoteHost, remotePort)
	return s
}

func (s *tcpDatagramSession) connect(localPort int, remoteHost string, remotePort int) {
	raddr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", remoteHost, remotePort))
	if err != nil {
		s.handler(Event{Type: EventError, SessionID: s.id, Err: err})
		return
	}

	conn, err := net.DialTCP("tcp", &net.TCPAddr{Port: localPort}, raddr)
	if err != nil {
		if s.done.IsBroken() {
			return
		}
		s.handler(Event{Type: EventError, SessionID: s.id, Err: errors.Wrap(err, "dial failed")})
		return
	}

	s.mu.Lock()
	if s.done.IsBroken() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.handler(Event{Type: EventConnected, SessionID: s.id})
	s.readLoop(conn)
}

func (s *tcpDatagramSession) readLoop(conn *net.TCPConn) {
	var lenBuf [2]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			if s.done.IsBroken() {
				return
			}
			s.handler(Event{Type: EventError, SessionID: s.id, Err: err})
			return
		}
		size := binary.BigEndian.Uint16(lenBuf[:])
		data := make([]byte, size)
		if _, err := io.ReadFull(conn, data); err != nil {
			if s.done.IsBroken() {
				return
			}
			s.handler(Event{Type: EventError, SessionID: s.id, Err: err})
			return
		}
		s.handler(Event{Type: EventDatagram, SessionID: s.id, Data: data})
	}
}

func (s *tcpDatagramSession) send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	framed := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(framed, uint16(len(data)))
	copy(framed[2:], data)
	_, err := conn.Write(framed)
	return err
}

func (s *tcpDatagramSession) close() {
	s.done.Once(func() {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}
