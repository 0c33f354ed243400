package rtc

import (
	"math/bits"

	"github.com/gammazero/deque"
)

// DefaultHistoryLength bounds the retransmission history.
const DefaultHistoryLength = 128

type sentPacket struct {
	seqNo uint16
	data  []byte
}

// History is a bounded FIFO of previously emitted RTP packets, each
// tagged with its original sequence number. Entries are kept in
// emission order; the oldest entry is evicted when the bound is
// exceeded.
type History struct {
	maxLen  int
	packets deque.Deque[*sentPacket]
}

func NewHistory(maxLen int) *History {
	if maxLen <= 0 {
		maxLen = DefaultHistoryLength
	}
	h := &History{maxLen: maxLen}
	// SetMinCapacity takes a power of two exponent
	h.packets.SetMinCapacity(uint(bits.Len(uint(maxLen - 1))))
	return h
}

// Push copies pkt into the history under seqNo.
func (h *History) Push(seqNo uint16, pkt []byte) {
	data := make([]byte, len(pkt))
	copy(data, pkt)
	h.packets.PushBack(&sentPacket{seqNo: seqNo, data: data})

	for h.packets.Len() > h.maxLen {
		h.packets.PopFront()
	}
}

// Range visits entries in emission order until fn returns false.
func (h *History) Range(fn func(seqNo uint16, pkt []byte) bool) {
	for i := 0; i < h.packets.Len(); i++ {
		e := h.packets.At(i)
		if !fn(e.seqNo, e.data) {
			return
		}
	}
}

// Get returns the stored packet for seqNo, or nil if it has been
// evicted or was never emitted.
func (h *History) Get(seqNo uint16) []byte {
	for i := 0; i < h.packets.Len(); i++ {
		if e := h.packets.At(i); e.seqNo == seqNo {
			return e.data
		}
	}
	return nil
}

func (h *History) Len() int {
	return h.packets.Len()
}
