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
	"github.com/pion/rtcp"
)

// Default SDES identity, overridable per deployment through config.
const (
	DefaultCNAME = "someone@somewhere"
	DefaultNote  = "Hell's frozen over."
)

// ReportCounters holds the running counters a Sender Report is built
// from. They are updated on every RTP flush and are monotonic
// non-decreasing for the life of the session (32-bit wrap accepted).
type ReportCounters struct {
	LastNTPTime uint64
	LastRTPTime uint32
	PacketCount uint32
	OctetCount  uint32
}

// AppendSenderReport appends an RTCP Sender Report with zero reception
// report blocks to buf: 8-byte header (PT 200, length 6) followed by
// the NTP timestamp, the RTP timestamp of the last emitted packet, and
// the cumulative packet and payload octet counts.
func AppendSenderReport(buf []byte, ssrc uint32, c *ReportCounters) ([]byte, error) {
	sr := rtcp.SenderReport{
		SSRC:        ssrc,
		NTPTime:     c.LastNTPTime,
		RTPTime:     c.LastRTPTime,
		PacketCount: c.PacketCount,
		OctetCount:  c.OctetCount,
	}
	data, err := sr.Marshal()
	if err != nil {
		return buf, err
	}
	return append(buf, data...), nil
}

// AppendSourceDescription appends an RTCP SDES packet with a single
// chunk carrying a CNAME and a NOTE item, null-terminated and padded
// to a 32-bit boundary.
func AppendSourceDescription(buf []byte, ssrc uint32, cname string, note string) ([]byte, error) {
	sdes := rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{
			{
				Source: ssrc,
				Items: []rtcp.SourceDescriptionItem{
					{Type: rtcp.SDESCNAME, Text: cname},
					{Type: rtcp.SDESNote, Text: note},
				},
			},
		},
	}
	data, err := sdes.Marshal()
	if err != nil {
		return buf, err
	}
	return append(buf, data...), nil
}
