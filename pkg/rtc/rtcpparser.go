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
	"encoding/binary"

	"github.com/pion/rtcp"

	"github.com/mirastream/mirastream-sender/pkg/logger"
)

const (
	rtcpHeaderSize   = 4
	feedbackHdrSize  = 12
	feedbackFCIEntry = 4
)

// Parser walks concatenated RTCP compound packets received from the
// network. Input is adversarial: every length is validated before use
// and a malformed sub-packet aborts the remainder of the compound,
// since offsets past it can no longer be trusted.
type Parser struct {
	ssrc   uint32
	logger logger.Logger
}

func NewParser(ssrc uint32, l logger.Logger) *Parser {
	return &Parser{
		ssrc:   ssrc,
		logger: l,
	}
}

// Parse returns the NACK pairs found in transport-layer feedback
// packets. SR/RR/SDES/BYE/APP packets are accepted and ignored;
// payload-specific feedback is only logged. Parse fails with
// ErrMalformedPacket on a length inconsistency and with
// ErrUnsupportedPacket on an unrecognized protocol version; pairs
// recovered before the failure are still returned.
func (p *Parser) Parse(data []byte) ([]rtcp.NackPair, error) {
	var nacks []rtcp.NackPair

	// size is the effective remaining length; a padding reduction
	// persists for the rest of the walk, so padding bytes left in data
	// are never re-parsed as a header
	size := len(data)
	for size > 0 {
		if size < 2*rtcpHeaderSize {
			// too short to be a valid RTCP header
			return nacks, ErrMalformedPacket
		}

		if data[0]>>6 != 2 {
			return nacks, ErrUnsupportedPacket
		}

		if data[0]&0x20 != 0 {
			// padding length lives in the last byte of the whole
			// remaining buffer
			paddingLength := int(data[size-1])
			if paddingLength+12 > size {
				return nacks, ErrMalformedPacket
			}
			size -= paddingLength
		}

		headerLength := 4*(int(data[2])<<8|int(data[3])) + 4
		if headerLength > size {
			// partial packet
			return nacks, ErrMalformedPacket
		}

		switch rtcp.PacketType(data[1]) {
		case rtcp.TypeSenderReport,
			rtcp.TypeReceiverReport,
			rtcp.TypeSourceDescription,
			rtcp.TypeGoodbye,
			rtcp.TypeApplicationDefined:
			// accepted; no receiver side statistics are consumed

		case rtcp.TypeTransportSpecificFeedback:
			pairs, err := p.parseTransportFeedback(data[:headerLength])
			if err != nil {
				p.logger.Warnw("ignoring transport feedback packet", err,
					"size", headerLength)
			} else {
				nacks = append(nacks, pairs...)
			}

		case rtcp.TypePayloadSpecificFeedback:
			p.logger.Debugw("ignoring payload specific feedback", "size", headerLength)

		default:
			p.logger.Warnw("unknown RTCP packet type", nil,
				"type", data[1], "size", headerLength)
		}

		data = data[headerLength:]
		size -= headerLength
	}

	return nacks, nil
}

// parseTransportFeedback extracts NACK pairs from an RTPFB packet
// (RFC 4585 section 6.2.1). Only the generic NACK message type is
// supported; the media source must match this sender's SSRC.
func (p *Parser) parseTransportFeedback(data []byte) ([]rtcp.NackPair, error) {
	if data[0]&0x1f != rtcp.FormatTLN {
		return nil, ErrUnsupportedPacket
	}
	if len(data) < feedbackHdrSize {
		return nil, ErrMalformedPacket
	}

	if srcID := binary.BigEndian.Uint32(data[8:]); srcID != p.ssrc {
		return nil, ErrMalformedPacket
	}

	var pairs []rtcp.NackPair
	for i := feedbackHdrSize; i+feedbackFCIEntry <= len(data); i += feedbackFCIEntry {
		pairs = append(pairs, rtcp.NackPair{
			PacketID:    binary.BigEndian.Uint16(data[i:]),
			LostPackets: rtcp.PacketBitmap(binary.BigEndian.Uint16(data[i+2:])),
		})
	}
	return pairs, nil
}
