package relay

import (
	"sync"
	"time"
)

type sample struct {
	at    time.Time
	bytes int
}

// Meter counts frames and bytes over a rolling window.
type Meter struct {
	window time.Duration
	now    func() time.Time

	mu          sync.Mutex
	samples     []sample
	totalFrames uint64
	totalBytes  uint64
}

// NewMeter creates a meter over window. A nil now uses time.Now.
func NewMeter(window time.Duration, now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Meter{window: window, now: now}
}

// Record counts one frame of n bytes.
func (m *Meter) Record(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.samples = append(m.samples, sample{at: now, bytes: n})
	m.totalFrames++
	m.totalBytes += uint64(n)
	m.prune(now)
}

// Rate returns frames per second and bytes per second over the window.
func (m *Meter) Rate() (fps, bps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.now())

	var bytes int
	for _, s := range m.samples {
		bytes += s.bytes
	}
	secs := m.window.Seconds()
	return float64(len(m.samples)) / secs, float64(bytes) / secs
}

// Totals returns lifetime frame and byte counts.
func (m *Meter) Totals() (frames, bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalFrames, m.totalBytes
}

func (m *Meter) prune(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.samples) && !m.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}
