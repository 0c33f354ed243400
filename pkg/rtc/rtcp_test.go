package rtc

import (
	"encoding/binary"
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirastream/mirastream-sender/pkg/logger"
)

func buildNack(mediaSSRC uint32, pairs ...rtcp.NackPair) []byte {
	pkt := make([]byte, feedbackHdrSize+len(pairs)*feedbackFCIEntry)
	pkt[0] = 0x80 | rtcp.FormatTLN
	pkt[1] = byte(rtcp.TypeTransportSpecificFeedback)
	binary.BigEndian.PutUint16(pkt[2:], uint16(len(pkt)/4-1))
	binary.BigEndian.PutUint32(pkt[4:], 0x11223344) // packet sender
	binary.BigEndian.PutUint32(pkt[8:], mediaSSRC)
	for i, p := range pairs {
		binary.BigEndian.PutUint16(pkt[feedbackHdrSize+i*4:], p.PacketID)
		binary.BigEndian.PutUint16(pkt[feedbackHdrSize+i*4+2:], uint16(p.LostPackets))
	}
	return pkt
}

func TestAppendSenderReport(t *testing.T) {
	counters := &ReportCounters{
		LastNTPTime: 0x0123456789abcdef,
		LastRTPTime: 0xcafe0000,
		PacketCount: 42,
		OctetCount:  42 * 7 * TSUnitSize,
	}

	buf, err := AppendSenderReport(nil, SourceID, counters)
	require.NoError(t, err)
	require.Equal(t, 28, len(buf))

	assert.EqualValues(t, 0x80, buf[0])
	assert.EqualValues(t, rtcp.TypeSenderReport, buf[1])
	assert.EqualValues(t, 6, binary.BigEndian.Uint16(buf[2:]))
	assert.EqualValues(t, SourceID, binary.BigEndian.Uint32(buf[4:]))
	assert.EqualValues(t, counters.LastNTPTime, binary.BigEndian.Uint64(buf[8:]))
	assert.EqualValues(t, counters.LastRTPTime, binary.BigEndian.Uint32(buf[16:]))
	assert.EqualValues(t, counters.PacketCount, binary.BigEndian.Uint32(buf[20:]))
	assert.EqualValues(t, counters.OctetCount, binary.BigEndian.Uint32(buf[24:]))
}

func TestAppendSourceDescription(t *testing.T) {
	buf, err := AppendSourceDescription(nil, SourceID, DefaultCNAME, DefaultNote)
	require.NoError(t, err)

	assert.EqualValues(t, rtcp.TypeSourceDescription, buf[1])
	assert.Zero(t, len(buf)%4)

	var sdes rtcp.SourceDescription
	require.NoError(t, sdes.Unmarshal(buf))
	require.Len(t, sdes.Chunks, 1)
	assert.EqualValues(t, SourceID, sdes.Chunks[0].Source)
	require.Len(t, sdes.Chunks[0].Items, 2)
	assert.Equal(t, DefaultCNAME, sdes.Chunks[0].Items[0].Text)
	assert.Equal(t, DefaultNote, sdes.Chunks[0].Items[1].Text)
}

func TestParseCompoundOwnReports(t *testing.T) {
	// the sender's own SR+SDES compound parses clean with no feedback
	counters := &ReportCounters{PacketCount: 1}
	buf, err := AppendSenderReport(nil, SourceID, counters)
	require.NoError(t, err)
	buf, err = AppendSourceDescription(buf, SourceID, DefaultCNAME, DefaultNote)
	require.NoError(t, err)

	p := NewParser(SourceID, logger.GetLogger())
	nacks, err := p.Parse(buf)
	assert.NoError(t, err)
	assert.Empty(t, nacks)
}

func TestParseNack(t *testing.T) {
	p := NewParser(SourceID, logger.GetLogger())

	nacks, err := p.Parse(buildNack(SourceID,
		rtcp.NackPair{PacketID: 100, LostPackets: 0b101},
		rtcp.NackPair{PacketID: 200, LostPackets: 0},
	))
	require.NoError(t, err)
	require.Len(t, nacks, 2)
	assert.EqualValues(t, 100, nacks[0].PacketID)
	assert.EqualValues(t, 0b101, nacks[0].LostPackets)
	assert.EqualValues(t, 200, nacks[1].PacketID)
	assert.EqualValues(t, 0, nacks[1].LostPackets)
}

func TestParseNackWrongMediaSource(t *testing.T) {
	p := NewParser(SourceID, logger.GetLogger())

	// feedback for some other source: dropped, walk continues
	nacks, err := p.Parse(buildNack(0x1111,
		rtcp.NackPair{PacketID: 100, LostPackets: 1}))
	assert.NoError(t, err)
	assert.Empty(t, nacks)
}

func TestParseNackFollowedByMore(t *testing.T) {
	// a bad sub-packet is logged and skipped, the rest of the
	// compound is still parsed
	p := NewParser(SourceID, logger.GetLogger())

	bad := buildNack(0x1111, rtcp.NackPair{PacketID: 1})
	good := buildNack(SourceID, rtcp.NackPair{PacketID: 77})

	nacks, err := p.Parse(append(bad, good...))
	require.NoError(t, err)
	require.Len(t, nacks, 1)
	assert.EqualValues(t, 77, nacks[0].PacketID)
}

func TestParsePaddedFeedback(t *testing.T) {
	// a padded sub-packet whose length field excludes the padding:
	// the padding reduction must persist so the trailing bytes are
	// not re-parsed as another header
	p := NewParser(SourceID, logger.GetLogger())

	pkt := buildNack(SourceID, rtcp.NackPair{PacketID: 42})
	pkt[0] |= 0x20
	pkt = append(pkt, 0, 0, 0, 4)

	nacks, err := p.Parse(pkt)
	require.NoError(t, err)
	require.Len(t, nacks, 1)
	assert.EqualValues(t, 42, nacks[0].PacketID)
}

func TestParseUnsupportedFeedbackFormat(t *testing.T) {
	p := NewParser(SourceID, logger.GetLogger())

	pkt := buildNack(SourceID, rtcp.NackPair{PacketID: 1})
	pkt[0] = 0x80 | 5 // not a generic NACK

	nacks, err := p.Parse(pkt)
	assert.NoError(t, err)
	assert.Empty(t, nacks)
}

func TestParseMalformed(t *testing.T) {
	p := NewParser(SourceID, logger.GetLogger())

	t.Run("truncated header", func(t *testing.T) {
		_, err := p.Parse([]byte{0x80, 200, 0x00})
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})

	t.Run("bad version", func(t *testing.T) {
		pkt := buildNack(SourceID, rtcp.NackPair{PacketID: 1})
		pkt[0] = 0x40 | (pkt[0] & 0x3f)
		_, err := p.Parse(pkt)
		assert.ErrorIs(t, err, ErrUnsupportedPacket)
	})

	t.Run("length past buffer", func(t *testing.T) {
		pkt := buildNack(SourceID, rtcp.NackPair{PacketID: 1})
		binary.BigEndian.PutUint16(pkt[2:], 100)
		_, err := p.Parse(pkt)
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})

	t.Run("padding longer than buffer", func(t *testing.T) {
		pkt := buildNack(SourceID, rtcp.NackPair{PacketID: 1})
		pkt[0] |= 0x20
		pkt[len(pkt)-1] = 0xff
		_, err := p.Parse(pkt)
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})

	t.Run("empty input", func(t *testing.T) {
		nacks, err := p.Parse(nil)
		assert.NoError(t, err)
		assert.Empty(t, nacks)
	})
}

func TestParsePartialResults(t *testing.T) {
	// pairs recovered before a malformed trailer are returned with
	// the error
	p := NewParser(SourceID, logger.GetLogger())

	good := buildNack(SourceID, rtcp.NackPair{PacketID: 5})
	data := append(good, 0x80, 0x00, 0x00) // truncated second packet

	nacks, err := p.Parse(data)
	assert.ErrorIs(t, err, ErrMalformedPacket)
	require.Len(t, nacks, 1)
	assert.EqualValues(t, 5, nacks[0].PacketID)
}
