package privilege

import (
	"sync"
	"time"
)

// Metrics counts privilege elevations. The zero value is ready to use.
type Metrics struct {
	mu                 sync.RWMutex
	ElevationAttempts  int64         `json:"elevation_attempts"`
	ElevationSuccesses int64         `json:"elevation_successes"`
	ElevationFailures  int64         `json:"elevation_failures"`
	TotalElevationTime time.Duration `json:"total_elevation_time"`
	MaxElevationTime   time.Duration `json:"max_elevation_time"`
	LastElevationTime  time.Time     `json:"last_elevation_time"`
	LastError          string        `json:"last_error,omitempty"`
}

// RecordElevationSuccess records a privileged section that completed and
// restored privileges.
func (m *Metrics) RecordElevationSuccess(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ElevationAttempts++
	m.ElevationSuccesses++
	m.TotalElevationTime += duration
	m.MaxElevationTime = max(m.MaxElevationTime, duration)
	m.LastElevationTime = time.Now()
}

// RecordElevationFailure records a failed elevation.
func (m *Metrics) RecordElevationFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ElevationAttempts++
	m.ElevationFailures++
	m.LastError = err.Error()
}

// SuccessRate returns successes over attempts, or 0 before any attempt.
func (m *Metrics) SuccessRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ElevationAttempts == 0 {
		return 0
	}
	return float64(m.ElevationSuccesses) / float64(m.ElevationAttempts)
}

// GetSnapshot returns a copy safe to read without locking.
func (m *Metrics) GetSnapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Metrics{
		ElevationAttempts:  m.ElevationAttempts,
		ElevationSuccesses: m.ElevationSuccesses,
		ElevationFailures:  m.ElevationFailures,
		TotalElevationTime: m.TotalElevationTime,
		MaxElevationTime:   m.MaxElevationTime,
		LastElevationTime:  m.LastElevationTime,
		LastError:          m.LastError,
	}
}
