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
	"github.com/pion/rtp"

	"github.com/mirastream/mirastream-sender/pkg/logger"
)

const (
	// TSUnitSize is the fixed size of one MPEG transport stream packet.
	TSUnitSize = 188

	// PayloadTypeMPEGTS is the static RTP payload type for MP2T (RFC 3551).
	PayloadTypeMPEGTS = 33

	rtpHeaderSize = 12

	// DefaultMaxPacketSize bounds a framed RTP packet, header included.
	// With the 1500 byte default, 7 transport stream units fit.
	DefaultMaxPacketSize = 1500
)

// PacketSink receives a framed RTP packet at flush time. The slice is
// only valid for the duration of the call.
type PacketSink func(pkt []byte) error

type PacketizerParams struct {
	SSRC          uint32
	MaxPacketSize int
	Sink          PacketSink
	// History, when non-nil, receives a copy of every emitted packet
	// for NACK-driven retransmission.
	History  *History
	Counters *ReportCounters
	Logger   logger.Logger
}

// Packetizer accumulates 188-byte transport stream units into an RTP
// payload and emits a framed packet when the payload is full or the
// caller forces a flush at a batch boundary.
type Packetizer struct {
	params PacketizerParams

	// accumulation buffer: 12 bytes reserved for the RTP header,
	// payload length always a multiple of TSUnitSize
	buf   []byte
	seqNo uint16
}

func NewPacketizer(params PacketizerParams) *Packetizer {
	if params.MaxPacketSize == 0 {
		params.MaxPacketSize = DefaultMaxPacketSize
	}
	unitsPerPacket := (params.MaxPacketSize - rtpHeaderSize) / TSUnitSize
	if unitsPerPacket < 1 {
		unitsPerPacket = 1
	}

	return &Packetizer{
		params: params,
		buf:    make([]byte, rtpHeaderSize, rtpHeaderSize+unitsPerPacket*TSUnitSize),
	}
}

// AppendTS adds one transport stream unit to the accumulation buffer,
// flushing when the buffer fills or forceFlush is set. forceFlush is
// used for the final unit of a batch so packet boundaries align with
// source group boundaries. markDiscontinuity sets the RTP marker bit on
// the packet a flush produces.
func (p *Packetizer) AppendTS(unit []byte, markDiscontinuity bool, forceFlush bool) (int, error) {
	if len(unit) != TSUnitSize {
		return 0, ErrInvalidUnitSize
	}

	p.buf = append(p.buf, unit...)

	if forceFlush || len(p.buf) == cap(p.buf) {
		if err := p.flush(markDiscontinuity); err != nil {
			return TSUnitSize, err
		}
	}
	return TSUnitSize, nil
}

func (p *Packetizer) flush(marker bool) error {
	nowUs := NowUs()
	rtpTime := RTPTime90k(nowUs)

	hdr := rtp.Header{
		Version:        2,
		Marker:         marker,
		PayloadType:    PayloadTypeMPEGTS,
		SequenceNumber: p.seqNo,
		Timestamp:      rtpTime,
		SSRC:           p.params.SSRC,
	}
	if _, err := hdr.MarshalTo(p.buf[:rtpHeaderSize]); err != nil {
		return err
	}

	seqNo := p.seqNo
	p.seqNo++

	if c := p.params.Counters; c != nil {
		c.PacketCount++
		c.OctetCount += uint32(len(p.buf) - rtpHeaderSize)
		c.LastRTPTime = rtpTime
		c.LastNTPTime = NTPTime(nowUs)
	}

	err := p.params.Sink(p.buf)

	if p.params.History != nil {
		p.params.History.Push(seqNo, p.buf)
	}

	p.buf = p.buf[:rtpHeaderSize]
	return err
}

// NextSequenceNumber returns the sequence number the next emitted
// packet will carry.
func (p *Packetizer) NextSequenceNumber() uint16 {
	return p.seqNo
}

// UnitsPerPacket returns how many transport stream units fit into one
// RTP packet at the configured maximum packet size.
func (p *Packetizer) UnitsPerPacket() int {
	return (cap(p.buf) - rtpHeaderSize) / TSUnitSize
}
