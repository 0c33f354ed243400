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

	"github.com/mirastream/mirastream-sender/pkg/logger"
	"github.com/mirastream/mirastream-sender/pkg/telemetry/prometheus"
)

// Retransmitter answers NACK feedback from the retransmission history.
// Retransmitted packets carry their own monotonic sequence number and
// the original sequence number in a two byte field between the RTP
// header and the payload (RFC 4588 layout).
type Retransmitter struct {
	history *History
	sink    PacketSink
	logger  logger.Logger

	seqNo uint16
}

func NewRetransmitter(history *History, sink PacketSink, l logger.Logger) *Retransmitter {
	return &Retransmitter{
		history: history,
		sink:    sink,
		logger:  l,
	}
}

// ServiceNack retransmits the packet with sequence number seqNo and
// every packet whose bit is set in blp (bit i addressing seqNo+i+1,
// mod 2^16). Sequence numbers no longer in the history are reported
// and skipped; they are never fatal. Returns the number of packets
// retransmitted.
//
// The scan stops as soon as the base sequence number has been serviced
// and the bitmask is exhausted. A bit addressing an entry that sits
// before the base entry in emission order can therefore go unserviced
// when the base entry is reached first; receivers recover by repeating
// the NACK.
func (r *Retransmitter) ServiceNack(seqNo uint16, blp uint16) int {
	sent := 0
	foundSeqNo := false

	r.history.Range(func(bufferSeqNo uint16, data []byte) bool {
		retransmit := false
		if bufferSeqNo == seqNo {
			retransmit = true
		} else if blp != 0 {
			for i := 0; i < 16; i++ {
				if blp&(1<<i) != 0 && bufferSeqNo == seqNo+uint16(i)+1 {
					blp &^= 1 << i
					retransmit = true
				}
			}
		}

		if retransmit {
			r.logger.Debugw("retransmitting packet", "seqNo", bufferSeqNo)

			if err := r.send(bufferSeqNo, data); err != nil {
				r.logger.Warnw("failed to retransmit packet", err, "seqNo", bufferSeqNo)
			} else {
				sent++
			}

			if bufferSeqNo == seqNo {
				foundSeqNo = true
			}
			if foundSeqNo && blp == 0 {
				return false
			}
		}
		return true
	})

	if !foundSeqNo || blp != 0 {
		r.logger.Infow("some sequence numbers no longer available for retransmission",
			"seqNo", seqNo, "remainingBitmask", blp)
	}
	return sent
}

func (r *Retransmitter) send(origSeqNo uint16, data []byte) error {
	pkt := make([]byte, len(data)+2)
	copy(pkt, data[:rtpHeaderSize])
	binary.BigEndian.PutUint16(pkt[2:], r.seqNo)
	binary.BigEndian.PutUint16(pkt[rtpHeaderSize:], origSeqNo)
	copy(pkt[rtpHeaderSize+2:], data[rtpHeaderSize:])

	r.seqNo++

	if err := r.sink(pkt); err != nil {
		return err
	}
	prometheus.IncrementRetransmissions(1)
	return nil
}
