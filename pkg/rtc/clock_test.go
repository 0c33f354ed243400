package rtc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNowUsMonotonic(t *testing.T) {
	a := NowUs()
	time.Sleep(2 * time.Millisecond)
	b := NowUs()
	assert.Greater(t, b, a)
}

func TestNTPTime(t *testing.T) {
	// the Unix epoch sits 70 years and 17 leap days after the NTP era
	ntp := NTPTime(0)
	assert.EqualValues(t, uint64(2208988800)<<32, ntp)

	// half a second advances the fractional part by 2^31
	ntp = NTPTime(500_000)
	assert.EqualValues(t, 2208988800, ntp>>32)
	assert.InDelta(t, float64(uint64(1)<<31), float64(ntp&0xffffffff), 2)

	// whole seconds land in the integer part
	ntp = NTPTime(3_000_000)
	assert.EqualValues(t, 2208988803, ntp>>32)
	assert.Zero(t, ntp&0xffffffff)
}

func TestRTPTime90k(t *testing.T) {
	assert.EqualValues(t, 0, RTPTime90k(0))
	assert.EqualValues(t, 90000, RTPTime90k(1_000_000))
	assert.EqualValues(t, 45000, RTPTime90k(500_000))
	// 32-bit wrap is accepted
	var farUs int64 = 100_000_000_000
	assert.EqualValues(t, uint32(farUs*9/100), RTPTime90k(farUs))
}
