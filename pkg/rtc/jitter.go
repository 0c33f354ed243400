package rtc

import "math"

const jitterWindowSize = 20

// timeSeries keeps a sliding window of inter-batch arrival deltas for
// jitter diagnostics.
type timeSeries struct {
	values [jitterWindowSize]float64
	count  int
	sum    float64
}

func (t *timeSeries) add(val float64) {
	if t.count < jitterWindowSize {
		t.values[t.count] = val
		t.count++
		t.sum += val
	} else {
		t.sum -= t.values[0]
		copy(t.values[:], t.values[1:])
		t.values[jitterWindowSize-1] = val
		t.sum += val
	}
}

func (t *timeSeries) mean() float64 {
	if t.count < 1 {
		return 0
	}
	return t.sum / float64(t.count)
}

func (t *timeSeries) stddev() float64 {
	if t.count < 1 {
		return 0
	}

	m := t.mean()
	sum := 0.0
	for i := 0; i < t.count; i++ {
		d := t.values[i] - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(t.count))
}
