package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimeSeriesEmpty(t *testing.T) {
	var ts timeSeries
	assert.Zero(t, ts.mean())
	assert.Zero(t, ts.stddev())
}

func TestTimeSeriesMeanAndStddev(t *testing.T) {
	var ts timeSeries
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		ts.add(v)
	}
	assert.InDelta(t, 5.0, ts.mean(), 1e-9)
	assert.InDelta(t, 2.0, ts.stddev(), 1e-9)
}

func TestTimeSeriesSlidesWindow(t *testing.T) {
	var ts timeSeries
	for i := 0; i < jitterWindowSize; i++ {
		ts.add(1000)
	}
	assert.InDelta(t, 1000.0, ts.mean(), 1e-9)

	// newer samples push the old ones out
	for i := 0; i < jitterWindowSize; i++ {
		ts.add(2000)
	}
	assert.InDelta(t, 2000.0, ts.mean(), 1e-9)
	assert.InDelta(t, 0.0, ts.stddev(), 1e-9)
}
