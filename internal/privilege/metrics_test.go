package privilege

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	var m Metrics
	assert.Equal(t, 0.0, m.SuccessRate())

	m.RecordElevationSuccess(10 * time.Millisecond)
	m.RecordElevationSuccess(30 * time.Millisecond)
	m.RecordElevationFailure(errors.New("seteuid: operation not permitted"))

	snap := m.GetSnapshot()
	assert.Equal(t, int64(3), snap.ElevationAttempts)
	assert.Equal(t, int64(2), snap.ElevationSuccesses)
	assert.Equal(t, int64(1), snap.ElevationFailures)
	assert.Equal(t, 40*time.Millisecond, snap.TotalElevationTime)
	assert.Equal(t, 30*time.Millisecond, snap.MaxElevationTime)
	assert.Equal(t, "seteuid: operation not permitted", snap.LastError)
	assert.InDelta(t, 2.0/3.0, m.SuccessRate(), 1e-9)
}
