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

package rtc

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"go.uber.org/atomic"

	"github.com/mirastream/mirastream-sender/pkg/logger"
	"github.com/mirastream/mirastream-sender/pkg/netsession"
	"github.com/mirastream/mirastream-sender/pkg/telemetry/prometheus"
)

const (
	// SourceID is the fixed SSRC of the outgoing stream.
	SourceID = 0xdeadbeef

	// BasePort is where the local port probe starts. RTP binds the
	// even port, RTCP the odd one above it.
	BasePort = 15550

	// RetransmissionPortOffset separates the retransmission port pair
	// from the primary pair.
	RetransmissionPortOffset = 120

	// DefaultSenderReportInterval paces periodic SR+SDES emission.
	DefaultSenderReportInterval = 10 * time.Second

	defaultPortProbeLimit = 100
	eventQueueSize        = 512
)

// TransportMode selects how the stream reaches the receiver. It is
// chosen at initialization and immutable thereafter.
type TransportMode int

const (
	// TransportUDP: two independent datagram sessions for RTP/RTCP.
	TransportUDP TransportMode = iota
	// TransportTCP: per-port TCP sessions, late-bound on FinishInit.
	TransportTCP
	// TransportTCPInterleaved: a single externally owned connection;
	// RTP/RTCP multiplexed by channel tag, no sessions of our own.
	TransportTCPInterleaved
)

func (m TransportMode) String() string {
	switch m {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	case TransportTCPInterleaved:
		return "tcp-interleaved"
	default:
		return "unknown"
	}
}

func ParseTransportMode(s string) (TransportMode, error) {
	switch s {
	case "udp", "":
		return TransportUDP, nil
	case "tcp":
		return TransportTCP, nil
	case "tcp-interleaved":
		return TransportTCPInterleaved, nil
	default:
		return TransportUDP, fmt.Errorf("unknown transport mode: %s", s)
	}
}

// State is the sender lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateEstablished
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateEstablished:
		return "established"
	case StateTornDown:
		return "torn-down"
	default:
		return "unknown"
	}
}

// NetSession is the transport collaborator: datagram-oriented sessions
// with asynchronous event delivery. *netsession.Manager satisfies it.
type NetSession interface {
	CreateUDPSession(localPort int, remoteHost string, remotePort int, h netsession.EventHandler) (netsession.SessionID, error)
	CreateTCPDatagramSession(localPort int, remoteHost string, remotePort int, h netsession.EventHandler) (netsession.SessionID, error)
	SendRequest(id netsession.SessionID, data []byte) error
	DestroySession(id netsession.SessionID) error
}

type SenderParams struct {
	Logger logger.Logger
	Net    NetSession

	MaxPacketSize        int
	BasePort             int
	PortProbeLimit       int
	EnableRetransmission bool
	HistoryLength        int
	SenderReportInterval time.Duration
	CNAME                string
	Note                 string

	// TSDumpPath, when set, appends every queued transport stream
	// batch to the named file.
	TSDumpPath string
	// DebugJitter logs mean/stddev of video batch arrival deltas.
	DebugJitter bool

	// Notifications to the owning caller. Invoked from their own
	// goroutine, never from inside an engine operation.
	OnInitDone    func()
	OnSessionDead func()
	// OnBinaryData carries framed bytes for a logical channel in
	// TCP-interleaved mode, where this engine does not own the socket.
	OnBinaryData func(channel int, data []byte)
}

type eventKind int

const (
	eventNet eventKind = iota
	eventBatch
	eventSendSR
	eventFinishInit
)

type sessionRole int

const (
	roleRTP sessionRole = iota
	roleRTCP
	roleRTPRetransmission
	roleRTCPRetransmission
)

type event struct {
	kind  eventKind
	role  sessionRole
	net   netsession.Event
	batch *packetBatch
	reply chan error
}

type packetBatch struct {
	timeUs  int64
	whenUs  int64
	delayUs int64
	payload []byte
	isVideo bool
}

// Sender is the transmit-side RTP/RTCP engine: it paces queued
// transport stream batches into the packetizer, services NACK feedback
// from the retransmission history, and emits periodic Sender Reports.
//
// All protocol state is owned by a single event loop goroutine; public
// methods hand work to it and never touch protocol state directly.
type Sender struct {
	params SenderParams
	logger logger.Logger
	net    NetSession

	state atomic.Int32

	mode           TransportMode
	clientIP       string
	clientRTPPort  int
	clientRTCPPort int
	rtpChannel     int
	rtcpChannel    int
	rtpPort        int

	rtpSessionID                netsession.SessionID
	rtcpSessionID               netsession.SessionID
	rtpRetransmissionSessionID  netsession.SessionID
	rtcpRetransmissionSessionID netsession.SessionID
	rtpConnected                bool
	rtcpConnected               bool

	counters      ReportCounters
	packetizer    *Packetizer
	history       *History
	retransmitter *Retransmitter
	parser        *Parser

	// pacing anchor, guarded separately since QueuePackets runs on the
	// caller's goroutine
	pacingMu         sync.Mutex
	firstBatchTimeUs int64
	firstBatchSentUs int64

	sendSRPending bool
	numSRsSent    uint32

	videoJitter      timeSeries
	lastVideoBatchUs int64

	tsDump io.WriteCloser

	events      chan event
	stop        core.Fuse
	done        chan struct{}
	loopRunning bool
}

func NewSender(params SenderParams) *Sender {
	if params.BasePort == 0 {
		params.BasePort = BasePort
	}
	if params.PortProbeLimit == 0 {
		params.PortProbeLimit = defaultPortProbeLimit
	}
	if params.SenderReportInterval == 0 {
		params.SenderReportInterval = DefaultSenderReportInterval
	}
	if params.CNAME == "" {
		params.CNAME = DefaultCNAME
	}
	if params.Note == "" {
		params.Note = DefaultNote
	}

	s := &Sender{
		params:           params,
		logger:           params.Logger,
		net:              params.Net,
		firstBatchTimeUs: -1,
		events:           make(chan event, eventQueueSize),
		stop:             core.NewFuse(),
		done:             make(chan struct{}),
	}

	if params.EnableRetransmission {
		s.history = NewHistory(params.HistoryLength)
		s.retransmitter = NewRetransmitter(s.history, s.sendRetransmission, params.Logger)
	}
	s.packetizer = NewPacketizer(PacketizerParams{
		SSRC:          SourceID,
		MaxPacketSize: params.MaxPacketSize,
		Sink:          s.sendRTPPacket,
		History:       s.history,
		Counters:      &s.counters,
		Logger:        params.Logger,
	})
	s.parser = NewParser(SourceID, params.Logger)

	return s
}

// State returns the current lifecycle state.
func (s *Sender) State() State {
	return State(s.state.Load())
}

// RTPPort returns the locally bound RTP port, 0 until initialized.
func (s *Sender) RTPPort() int {
	return s.rtpPort
}

// Init opens the transport sessions toward the receiver. clientRTCPPort
// may be negative when the receiver supplied no RTCP port. In
// TCP-interleaved mode clientRTPPort/clientRTCPPort are channel tags on
// the externally owned connection instead.
func (s *Sender) Init(clientIP string, clientRTPPort int, clientRTCPPort int, mode TransportMode) error {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return ErrInvalidState
	}

	s.clientIP = clientIP
	s.mode = mode

	if s.params.TSDumpPath != "" {
		f, err := os.OpenFile(s.params.TSDumpPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.logger.Warnw("could not open transport stream dump", err, "path", s.params.TSDumpPath)
		} else {
			s.tsDump = f
		}
	}

	switch mode {
	case TransportTCPInterleaved:
		s.rtpChannel = clientRTPPort
		s.rtcpChannel = clientRTCPPort
		s.startLoop()
		return nil

	case TransportTCP:
		// sessions are bound late, once the receiver's end exists;
		// only the advertised local port is fixed now
		s.clientRTPPort = clientRTPPort
		s.clientRTCPPort = clientRTCPPort
		s.rtpPort = s.params.BasePort
		s.startLoop()
		return nil

	case TransportUDP:
		if err := s.probeUDPPorts(clientRTPPort, clientRTCPPort); err != nil {
			return err
		}
		s.clientRTPPort = clientRTPPort
		s.clientRTCPPort = clientRTCPPort
		s.startLoop()
		return nil

	default:
		return ErrInvalidState
	}
}

// probeUDPPorts walks even local ports from the base port until a full
// session set binds. A partial failure unwinds every session opened for
// that attempt before moving to the next port.
func (s *Sender) probeUDPPorts(clientRTP int, clientRTCP int) error {
	if s.params.EnableRetransmission && clientRTCP < 0 {
		return fmt.Errorf("retransmission requires a client RTCP port")
	}

	for attempt := 0; attempt < s.params.PortProbeLimit; attempt++ {
		serverRTP := s.params.BasePort + 2*attempt

		rtpSession, err := s.net.CreateUDPSession(
			serverRTP, s.clientIP, clientRTP, s.netHandler(roleRTP))
		if err != nil {
			s.logger.Debugw("failed to create RTP socket", "port", serverRTP)
			continue
		}

		rtcpSession := netsession.SessionID(0)
		if clientRTCP >= 0 {
			rtcpSession, err = s.net.CreateUDPSession(
				serverRTP+1, s.clientIP, clientRTCP, s.netHandler(roleRTCP))
			if err != nil {
				s.logger.Debugw("failed to create RTCP socket", "port", serverRTP+1)
				_ = s.net.DestroySession(rtpSession)
				continue
			}
		}

		if s.params.EnableRetransmission {
			rtxRTPSession, err := s.net.CreateUDPSession(
				serverRTP+RetransmissionPortOffset,
				s.clientIP,
				clientRTP+RetransmissionPortOffset,
				s.netHandler(roleRTPRetransmission))
			if err != nil {
				_ = s.net.DestroySession(rtcpSession)
				_ = s.net.DestroySession(rtpSession)
				continue
			}

			rtxRTCPSession, err := s.net.CreateUDPSession(
				serverRTP+1+RetransmissionPortOffset,
				s.clientIP,
				clientRTP+1+RetransmissionPortOffset,
				s.netHandler(roleRTCPRetransmission))
			if err != nil {
				_ = s.net.DestroySession(rtxRTPSession)
				_ = s.net.DestroySession(rtcpSession)
				_ = s.net.DestroySession(rtpSession)
				continue
			}

			s.rtpRetransmissionSessionID = rtxRTPSession
			s.rtcpRetransmissionSessionID = rtxRTCPSession
		}

		s.rtpPort = serverRTP
		s.rtpSessionID = rtpSession
		s.rtcpSessionID = rtcpSession

		s.logger.Infow("sessions created",
			"rtpPort", serverRTP,
			"rtpSessionID", rtpSession,
			"rtcpSessionID", rtcpSession)
		return nil
	}

	return ErrNoFreePort
}

// FinishInit completes initialization: immediately for UDP and
// interleaved modes, by late-binding the TCP sessions otherwise. The
// init-done notification follows once the transport is usable.
func (s *Sender) FinishInit() error {
	if s.State() != StateInitializing {
		return ErrInvalidState
	}

	reply := make(chan error, 1)
	s.post(event{kind: eventFinishInit, reply: reply})

	select {
	case err := <-reply:
		return err
	case <-s.stop.Watch():
		return ErrInvalidState
	}
}

// QueuePackets schedules a batch of transport stream units for
// delivery. timeUs is the batch's presentation time; delivery is paced
// against the wall-clock anchor established by the first batch. The
// payload length must be a positive multiple of 188.
func (s *Sender) QueuePackets(timeUs int64, payload []byte, isVideo bool) error {
	if len(payload) == 0 || len(payload)%TSUnitSize != 0 {
		return ErrInvalidUnitSize
	}
	switch s.State() {
	case StateInitializing, StateEstablished:
	default:
		return ErrInvalidState
	}

	nowUs := NowUs()

	s.pacingMu.Lock()
	var whenUs, delayUs int64
	if s.firstBatchTimeUs < 0 {
		s.firstBatchTimeUs = timeUs
		s.firstBatchSentUs = nowUs
		whenUs = nowUs
	} else {
		whenUs = (timeUs - s.firstBatchTimeUs) + s.firstBatchSentUs
		delayUs = whenUs - nowUs
	}
	s.pacingMu.Unlock()

	data := make([]byte, len(payload))
	copy(data, payload)
	batch := &packetBatch{
		timeUs:  timeUs,
		whenUs:  whenUs,
		delayUs: delayUs,
		payload: data,
		isVideo: isVideo,
	}

	if delayUs <= 0 {
		s.post(event{kind: eventBatch, batch: batch})
	} else {
		time.AfterFunc(time.Duration(delayUs)*time.Microsecond, func() {
			s.post(event{kind: eventBatch, batch: batch})
		})
	}
	return nil
}

// Close tears the engine down: the event loop drains, sessions are
// destroyed in reverse priority order and pending timers become no-ops.
// Safe to call more than once.
func (s *Sender) Close() {
	s.stop.Break()
	if s.loopRunning {
		<-s.done
	} else {
		s.teardown()
	}
}

// ------------------------------------------------
// event loop

func (s *Sender) startLoop() {
	s.loopRunning = true
	go s.runLoop()
}

func (s *Sender) runLoop() {
	defer close(s.done)

	for {
		select {
		case <-s.stop.Watch():
			s.teardown()
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Sender) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.stop.Watch():
	}
}

func (s *Sender) netHandler(role sessionRole) netsession.EventHandler {
	return func(ev netsession.Event) {
		s.post(event{kind: eventNet, role: role, net: ev})
	}
}

func (s *Sender) handleEvent(ev event) {
	switch ev.kind {
	case eventNet:
		switch ev.net.Type {
		case netsession.EventDatagram:
			s.handleDatagram(ev.role, ev.net)
		case netsession.EventError:
			s.handleSessionError(ev.role, ev.net)
		case netsession.EventConnected:
			s.handleConnected(ev.net)
		}
	case eventBatch:
		s.handleBatch(ev.batch)
	case eventSendSR:
		s.handleSendSR()
	case eventFinishInit:
		ev.reply <- s.handleFinishInit()
	}
}

func (s *Sender) handleFinishInit() error {
	if s.mode != TransportTCP {
		s.becomeEstablished()
		return nil
	}

	rtpSession, err := s.net.CreateTCPDatagramSession(
		s.rtpPort, s.clientIP, s.clientRTPPort, s.netHandler(roleRTP))
	if err != nil {
		return err
	}
	s.rtpSessionID = rtpSession

	if s.clientRTCPPort >= 0 {
		rtcpSession, err := s.net.CreateTCPDatagramSession(
			s.rtpPort+1, s.clientIP, s.clientRTCPPort, s.netHandler(roleRTCP))
		if err != nil {
			return err
		}
		s.rtcpSessionID = rtcpSession
	}

	// established once the transport reports the connections up
	return nil
}

func (s *Sender) becomeEstablished() {
	s.state.Store(int32(StateEstablished))
	s.scheduleSendSR()
	if s.params.OnInitDone != nil {
		go s.params.OnInitDone()
	}
}

func (s *Sender) handleConnected(ev netsession.Event) {
	if s.mode != TransportTCP {
		s.logger.Warnw("unexpected connected event", nil, "mode", s.mode.String())
		return
	}

	switch ev.SessionID {
	case s.rtpSessionID:
		s.rtpConnected = true
		s.logger.Infow("RTP session connected")
	case s.rtcpSessionID:
		s.rtcpConnected = true
		s.logger.Infow("RTCP session connected")
	default:
		s.logger.Warnw("connected event for unknown session", nil, "sessionID", ev.SessionID)
		return
	}

	if s.rtpConnected && (s.clientRTCPPort < 0 || s.rtcpConnected) {
		s.becomeEstablished()
	}
}

func (s *Sender) handleSessionError(role sessionRole, ev netsession.Event) {
	if (role == roleRTP || role == roleRTPRetransmission) && !ev.DuringSend {
		// nothing is expected inbound on the RTP sockets
		return
	}

	s.logger.Errorw("session error", ev.Err,
		"sessionID", ev.SessionID, "duringSend", ev.DuringSend)

	_ = s.net.DestroySession(ev.SessionID)

	switch ev.SessionID {
	case s.rtpSessionID:
		s.rtpSessionID = 0
	case s.rtcpSessionID:
		s.rtcpSessionID = 0
	case s.rtpRetransmissionSessionID:
		s.rtpRetransmissionSessionID = 0
	case s.rtcpRetransmissionSessionID:
		s.rtcpRetransmissionSessionID = 0
	}

	if s.params.OnSessionDead != nil {
		go s.params.OnSessionDead()
	}
}

func (s *Sender) handleDatagram(role sessionRole, ev netsession.Event) {
	if role != roleRTCP && role != roleRTCPRetransmission {
		return
	}

	nacks, err := s.parser.Parse(ev.Data)
	if err != nil {
		s.logger.Warnw("failed to parse RTCP packet", err, "size", len(ev.Data))
	}
	if len(nacks) > 0 {
		prometheus.IncrementNacks(uint64(len(nacks)))
	}
	if s.retransmitter == nil {
		return
	}
	for _, pair := range nacks {
		s.retransmitter.ServiceNack(pair.PacketID, uint16(pair.LostPackets))
	}
}

func (s *Sender) handleBatch(batch *packetBatch) {
	if s.params.DebugJitter && batch.isVideo {
		nowUs := NowUs()
		if s.lastVideoBatchUs > 0 {
			s.videoJitter.add(float64(nowUs - s.lastVideoBatchUs))
			s.logger.Debugw("video batch jitter",
				"deltaUs", nowUs-s.lastVideoBatchUs,
				"meanUs", s.videoJitter.mean(),
				"stddevUs", s.videoJitter.stddev())
		}
		s.lastVideoBatchUs = nowUs
	}

	if s.tsDump != nil {
		if _, err := s.tsDump.Write(batch.payload); err != nil {
			s.logger.Warnw("transport stream dump write failed", err)
			_ = s.tsDump.Close()
			s.tsDump = nil
		}
	}

	for offset := 0; offset < len(batch.payload); offset += TSUnitSize {
		lastUnit := offset+TSUnitSize >= len(batch.payload)
		if _, err := s.packetizer.AppendTS(
			batch.payload[offset:offset+TSUnitSize], true, lastUnit); err != nil {
			s.logger.Errorw("failed to packetize batch", err)
			return
		}
	}
}

// ------------------------------------------------
// output sinks

func (s *Sender) sendRTPPacket(pkt []byte) error {
	if s.mode == TransportTCPInterleaved {
		data := make([]byte, len(pkt))
		copy(data, pkt)
		s.notifyBinaryData(s.rtpChannel, data)
	} else {
		if s.rtpSessionID == 0 {
			return ErrNotEstablished
		}
		if err := s.net.SendRequest(s.rtpSessionID, pkt); err != nil {
			s.handleSessionError(roleRTP, netsession.Event{
				Type:       netsession.EventError,
				SessionID:  s.rtpSessionID,
				Err:        err,
				DuringSend: true,
			})
			return err
		}
	}

	prometheus.IncrementPackets(1)
	prometheus.IncrementBytes(uint64(len(pkt)))
	return nil
}

func (s *Sender) sendRetransmission(pkt []byte) error {
	if s.rtpRetransmissionSessionID == 0 {
		return ErrNotEstablished
	}
	if err := s.net.SendRequest(s.rtpRetransmissionSessionID, pkt); err != nil {
		s.handleSessionError(roleRTPRetransmission, netsession.Event{
			Type:       netsession.EventError,
			SessionID:  s.rtpRetransmissionSessionID,
			Err:        err,
			DuringSend: true,
		})
		return err
	}
	return nil
}

func (s *Sender) notifyBinaryData(channel int, data []byte) {
	if s.params.OnBinaryData != nil {
		go s.params.OnBinaryData(channel, data)
	}
}

// ------------------------------------------------
// sender reports

func (s *Sender) hasRTCPOutput() bool {
	if s.mode == TransportTCPInterleaved {
		return s.rtcpChannel >= 0
	}
	return s.rtcpSessionID != 0
}

// scheduleSendSR arms the periodic report timer. A single pending flag
// prevents duplicate scheduling; the timer is armed only while an RTCP
// session or channel exists.
func (s *Sender) scheduleSendSR() {
	if s.sendSRPending || !s.hasRTCPOutput() {
		return
	}

	s.sendSRPending = true
	time.AfterFunc(s.params.SenderReportInterval, func() {
		s.post(event{kind: eventSendSR})
	})
}

func (s *Sender) handleSendSR() {
	s.sendSRPending = false

	if !s.hasRTCPOutput() {
		return
	}

	buf := make([]byte, 0, 128)
	buf, err := AppendSenderReport(buf, SourceID, &s.counters)
	if err != nil {
		s.logger.Errorw("failed to build sender report", err)
		return
	}
	buf, err = AppendSourceDescription(buf, SourceID, s.params.CNAME, s.params.Note)
	if err != nil {
		s.logger.Errorw("failed to build source description", err)
		return
	}

	if s.mode == TransportTCPInterleaved {
		s.notifyBinaryData(s.rtcpChannel, buf)
	} else {
		if err := s.net.SendRequest(s.rtcpSessionID, buf); err != nil {
			s.handleSessionError(roleRTCP, netsession.Event{
				Type:       netsession.EventError,
				SessionID:  s.rtcpSessionID,
				Err:        err,
				DuringSend: true,
			})
			return
		}
	}

	s.numSRsSent++
	prometheus.IncrementSenderReports(1)

	s.scheduleSendSR()
}

// ------------------------------------------------
// teardown

// teardown releases sessions in reverse priority order: retransmission
// before primary, RTCP before RTP. Each release tolerates an id that
// has already been zeroed by an earlier session error.
func (s *Sender) teardown() {
	if State(s.state.Swap(int32(StateTornDown))) == StateTornDown {
		return
	}

	if s.rtcpRetransmissionSessionID != 0 {
		_ = s.net.DestroySession(s.rtcpRetransmissionSessionID)
		s.rtcpRetransmissionSessionID = 0
	}
	if s.rtpRetransmissionSessionID != 0 {
		_ = s.net.DestroySession(s.rtpRetransmissionSessionID)
		s.rtpRetransmissionSessionID = 0
	}
	if s.rtcpSessionID != 0 {
		_ = s.net.DestroySession(s.rtcpSessionID)
		s.rtcpSessionID = 0
	}
	if s.rtpSessionID != 0 {
		_ = s.net.DestroySession(s.rtpSessionID)
		s.rtpSessionID = 0
	}

	if s.tsDump != nil {
		_ = s.tsDump.Close()
		s.tsDump = nil
	}
}
