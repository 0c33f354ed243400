package prometheus

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const mirastreamNamespace = "mirastream"

var (
	atomicBytesOut      uint64
	atomicPacketsOut    uint64
	atomicNacksReceived uint64
	atomicRetransmitted uint64
	atomicSenderReports uint64

	promPacketTotal     prometheus.Counter
	promPacketBytes     prometheus.Counter
	promNackTotal       prometheus.Counter
	promRetransmitTotal prometheus.Counter
	promSenderReports   prometheus.Counter
)

func Init(nodeID string) {
	constLabels := prometheus.Labels{"node_id": nodeID}

	promPacketTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   mirastreamNamespace,
		Subsystem:   "packet",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promPacketBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   mirastreamNamespace,
		Subsystem:   "packet",
		Name:        "bytes",
		ConstLabels: constLabels,
	})
	promNackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   mirastreamNamespace,
		Subsystem:   "nack",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promRetransmitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   mirastreamNamespace,
		Subsystem:   "retransmit",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promSenderReports = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   mirastreamNamespace,
		Subsystem:   "sender_report",
		Name:        "total",
		ConstLabels: constLabels,
	})

	prometheus.MustRegister(promPacketTotal)
	prometheus.MustRegister(promPacketBytes)
	prometheus.MustRegister(promNackTotal)
	prometheus.MustRegister(promRetransmitTotal)
	prometheus.MustRegister(promSenderReports)
}

func IncrementPackets(count uint64) {
	if promPacketTotal != nil {
		promPacketTotal.Add(float64(count))
	}
	atomic.AddUint64(&atomicPacketsOut, count)
}

func IncrementBytes(count uint64) {
	if promPacketBytes != nil {
		promPacketBytes.Add(float64(count))
	}
	atomic.AddUint64(&atomicBytesOut, count)
}

func IncrementNacks(count uint64) {
	if promNackTotal != nil {
		promNackTotal.Add(float64(count))
	}
	atomic.AddUint64(&atomicNacksReceived, count)
}

func IncrementRetransmissions(count uint64) {
	if promRetransmitTotal != nil {
		promRetransmitTotal.Add(float64(count))
	}
	atomic.AddUint64(&atomicRetransmitted, count)
}

func IncrementSenderReports(count uint64) {
	if promSenderReports != nil {
		promSenderReports.Add(float64(count))
	}
	atomic.AddUint64(&atomicSenderReports, count)
}

func BytesSent() uint64 {
	return atomic.LoadUint64(&atomicBytesOut)
}

func PacketsSent() uint64 {
	return atomic.LoadUint64(&atomicPacketsOut)
}
