package rtc

import "time"

// ntpEpochOffsetUs is the offset between the Unix epoch and the NTP
// epoch (1900-01-01): 70 years plus 17 leap days, in microseconds.
const ntpEpochOffsetUs = ((70*365 + 17) * 24) * 60 * 60 * 1000000

var (
	startWallUs = time.Now().UnixMicro()
	startMono   = time.Now()
)

// NowUs returns the current time in microseconds. The value advances on
// the monotonic clock but is anchored to wall time at process start, so
// it is safe for both pacing arithmetic and NTP conversion.
func NowUs() int64 {
	return startWallUs + time.Since(startMono).Microseconds()
}

// NTPTime converts a microsecond timestamp to the 64-bit NTP format:
// seconds since the NTP epoch in the high 32 bits, the fractional part
// as a 1/2^32 fraction of the remaining microseconds in the low 32.
func NTPTime(nowUs int64) uint64 {
	ntpUs := uint64(nowUs) + ntpEpochOffsetUs

	hi := ntpUs / 1000000
	lo := ((1 << 32) * (ntpUs % 1000000)) / 1000000

	return hi<<32 | lo
}

// RTPTime90k converts a microsecond timestamp to the 90 kHz RTP clock.
func RTPTime90k(nowUs int64) uint32 {
	return uint32((nowUs * 9) / 100)
}
