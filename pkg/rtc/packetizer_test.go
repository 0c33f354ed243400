package rtc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirastream/mirastream-sender/pkg/logger"
)

func makeUnit(fill byte) []byte {
	unit := make([]byte, TSUnitSize)
	unit[0] = 0x47
	for i := 1; i < TSUnitSize; i++ {
		unit[i] = fill
	}
	return unit
}

func TestPacketizerRejectsBadUnitSize(t *testing.T) {
	p := NewPacketizer(PacketizerParams{
		SSRC:   SourceID,
		Sink:   func([]byte) error { return nil },
		Logger: logger.GetLogger(),
	})

	_, err := p.AppendTS(make([]byte, 187), false, false)
	assert.ErrorIs(t, err, ErrInvalidUnitSize)
	_, err = p.AppendTS(make([]byte, 189), false, false)
	assert.ErrorIs(t, err, ErrInvalidUnitSize)
}

func TestPacketizerFlushesWhenFull(t *testing.T) {
	var packets [][]byte
	p := NewPacketizer(PacketizerParams{
		SSRC:          SourceID,
		MaxPacketSize: 1500,
		Sink: func(pkt []byte) error {
			data := make([]byte, len(pkt))
			copy(data, pkt)
			packets = append(packets, data)
			return nil
		},
		Logger: logger.GetLogger(),
	})

	require.Equal(t, 7, p.UnitsPerPacket())

	// 20 units without forced flushes: two full packets, six units held
	for i := 0; i < 20; i++ {
		n, err := p.AppendTS(makeUnit(byte(i)), false, false)
		require.NoError(t, err)
		require.Equal(t, TSUnitSize, n)
	}
	require.Len(t, packets, 2)

	for _, pkt := range packets {
		assert.Equal(t, rtpHeaderSize+7*TSUnitSize, len(pkt))
	}

	// the final unit of the batch forces the remainder out
	_, err := p.AppendTS(makeUnit(20), false, true)
	require.NoError(t, err)
	require.Len(t, packets, 3)
	assert.Equal(t, rtpHeaderSize+7*TSUnitSize, len(packets[2]))
}

func TestPacketizerHeaderFields(t *testing.T) {
	var packets [][]byte
	counters := &ReportCounters{}
	p := NewPacketizer(PacketizerParams{
		SSRC:          SourceID,
		MaxPacketSize: 1500,
		Sink: func(pkt []byte) error {
			data := make([]byte, len(pkt))
			copy(data, pkt)
			packets = append(packets, data)
			return nil
		},
		Counters: counters,
		Logger:   logger.GetLogger(),
	})

	for i := 0; i < 3; i++ {
		unit := makeUnit(byte(i))
		_, err := p.AppendTS(unit, true, true)
		require.NoError(t, err)
	}
	require.Len(t, packets, 3)

	for i, pkt := range packets {
		// V=2, no padding, no extension, no CSRC
		assert.EqualValues(t, 0x80, pkt[0])
		// marker set, payload type 33
		assert.EqualValues(t, 0x80|PayloadTypeMPEGTS, pkt[1])
		assert.EqualValues(t, i, binary.BigEndian.Uint16(pkt[2:]))
		assert.EqualValues(t, SourceID, binary.BigEndian.Uint32(pkt[8:]))
		// payload carried through untouched
		assert.Equal(t, makeUnit(byte(i)), pkt[rtpHeaderSize:])
	}

	assert.EqualValues(t, 3, counters.PacketCount)
	assert.EqualValues(t, 3*TSUnitSize, counters.OctetCount)
	assert.NotZero(t, counters.LastNTPTime)
	assert.EqualValues(t, 3, p.NextSequenceNumber())
}

func TestPacketizerMarkerBit(t *testing.T) {
	var packets [][]byte
	p := NewPacketizer(PacketizerParams{
		SSRC:          SourceID,
		MaxPacketSize: 1500,
		Sink: func(pkt []byte) error {
			data := make([]byte, len(pkt))
			copy(data, pkt)
			packets = append(packets, data)
			return nil
		},
		Logger: logger.GetLogger(),
	})

	_, err := p.AppendTS(makeUnit(1), false, true)
	require.NoError(t, err)
	_, err = p.AppendTS(makeUnit(2), true, true)
	require.NoError(t, err)

	require.Len(t, packets, 2)
	assert.EqualValues(t, PayloadTypeMPEGTS, packets[0][1])
	assert.EqualValues(t, 0x80|PayloadTypeMPEGTS, packets[1][1])
}

func TestPacketizerFeedsHistory(t *testing.T) {
	history := NewHistory(DefaultHistoryLength)
	p := NewPacketizer(PacketizerParams{
		SSRC:          SourceID,
		MaxPacketSize: 1500,
		Sink:          func([]byte) error { return nil },
		History:       history,
		Logger:        logger.GetLogger(),
	})

	for i := 0; i < 5; i++ {
		_, err := p.AppendTS(makeUnit(byte(i)), false, true)
		require.NoError(t, err)
	}

	assert.Equal(t, 5, history.Len())
	for seqNo := uint16(0); seqNo < 5; seqNo++ {
		pkt := history.Get(seqNo)
		require.NotNil(t, pkt)
		assert.Equal(t, seqNo, binary.BigEndian.Uint16(pkt[2:]))
	}
}
