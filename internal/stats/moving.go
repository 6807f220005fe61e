package stats

// MovingAverage is the mean of the last Window values added. It is not safe for concurrent use.
type MovingAverage struct {
	values []float64
	next   int
	count  int
	sum    float64
}

// NewMovingAverage creates a moving average over window values. A non-positive window is
// treated as 1.
func NewMovingAverage(window int) *MovingAverage {
	if window <= 0 {
		window = 1
	}
	return &MovingAverage{values: make([]float64, window)}
}

// Add appends v, dropping the oldest value once the window is full.
func (m *MovingAverage) Add(v float64) {
	if m.count == len(m.values) {
		m.sum -= m.values[m.next]
	} else {
		m.count++
	}
	m.values[m.next] = v
	m.sum += v
	m.next = (m.next + 1) % len(m.values)
}

// Average returns the mean of the values in the window, or 0 when empty.
func (m *MovingAverage) Average() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Count returns the number of values in the window.
func (m *MovingAverage) Count() int {
	return m.count
}

// Window returns the window size.
func (m *MovingAverage) Window() int {
	return len(m.values)
}

// Reset empties the window.
func (m *MovingAverage) Reset() {
	for i := range m.values {
		m.values[i] = 0
	}
	m.next, m.count, m.sum = 0, 0, 0
}
