package rtc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirastream/mirastream-sender/pkg/logger"
)

func historyWithPackets(t *testing.T, seqNos ...uint16) *History {
	t.Helper()
	h := NewHistory(DefaultHistoryLength)
	for _, seqNo := range seqNos {
		pkt := make([]byte, rtpHeaderSize+TSUnitSize)
		pkt[0] = 0x80
		pkt[1] = PayloadTypeMPEGTS
		binary.BigEndian.PutUint16(pkt[2:], seqNo)
		binary.BigEndian.PutUint32(pkt[8:], SourceID)
		pkt[rtpHeaderSize] = byte(seqNo)
		h.Push(seqNo, pkt)
	}
	return h
}

func TestServiceNackSinglePacket(t *testing.T) {
	h := historyWithPackets(t, 10, 11, 12)

	var sent [][]byte
	r := NewRetransmitter(h, func(pkt []byte) error {
		sent = append(sent, pkt)
		return nil
	}, logger.GetLogger())

	n := r.ServiceNack(11, 0)
	require.Equal(t, 1, n)
	require.Len(t, sent, 1)

	pkt := sent[0]
	original := h.Get(11)
	require.Equal(t, len(original)+2, len(pkt))

	// fresh retransmission sequence number in the header
	assert.EqualValues(t, 0, binary.BigEndian.Uint16(pkt[2:]))
	// original sequence number right after the header
	assert.EqualValues(t, 11, binary.BigEndian.Uint16(pkt[rtpHeaderSize:]))
	// everything else carried through
	assert.Equal(t, original[4:rtpHeaderSize], pkt[4:rtpHeaderSize])
	assert.Equal(t, original[rtpHeaderSize:], pkt[rtpHeaderSize+2:])

	// the retransmission stream has its own monotonic numbering
	r.ServiceNack(12, 0)
	require.Len(t, sent, 2)
	assert.EqualValues(t, 1, binary.BigEndian.Uint16(sent[1][2:]))
}

func TestServiceNackBitmask(t *testing.T) {
	h := historyWithPackets(t, 20, 21, 22, 23, 24)

	var sentSeqNos []uint16
	r := NewRetransmitter(h, func(pkt []byte) error {
		sentSeqNos = append(sentSeqNos, binary.BigEndian.Uint16(pkt[rtpHeaderSize:]))
		return nil
	}, logger.GetLogger())

	// base 20, bits 0 and 3: packets 21 and 24
	n := r.ServiceNack(20, 0b1001)
	assert.Equal(t, 3, n)
	assert.Equal(t, []uint16{20, 21, 24}, sentSeqNos)
}

func TestServiceNackUnknownSeqNo(t *testing.T) {
	h := historyWithPackets(t, 30, 31)

	sent := 0
	r := NewRetransmitter(h, func([]byte) error {
		sent++
		return nil
	}, logger.GetLogger())

	assert.Equal(t, 0, r.ServiceNack(500, 0))
	assert.Equal(t, 0, sent)
}

func TestServiceNackStopsOnceSatisfied(t *testing.T) {
	// base entry stored after the bitmask entries; the scan finds the
	// base last, so earlier bitmask bits are still honored
	h := historyWithPackets(t, 41, 42, 40)

	var sentSeqNos []uint16
	r := NewRetransmitter(h, func(pkt []byte) error {
		sentSeqNos = append(sentSeqNos, binary.BigEndian.Uint16(pkt[rtpHeaderSize:]))
		return nil
	}, logger.GetLogger())

	n := r.ServiceNack(40, 0b11)
	assert.Equal(t, 3, n)
	assert.Equal(t, []uint16{41, 42, 40}, sentSeqNos)
}

func TestServiceNackSendFailureCounts(t *testing.T) {
	h := historyWithPackets(t, 50, 51)

	r := NewRetransmitter(h, func([]byte) error {
		return ErrNotEstablished
	}, logger.GetLogger())

	// failed sends are reported but not retried
	assert.Equal(t, 0, r.ServiceNack(50, 0))
}
