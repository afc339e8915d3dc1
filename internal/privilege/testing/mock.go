// Package testing provides a privilege.Manager double.
package testing

import (
	"context"
	"errors"
	"sync"

	"github.com/isseis/go-safe-elevate/internal/privilege"
)

// MockUID is the original UID reported by MockPrivilegeManager.
const MockUID = 1000

// ErrMockPrivilegeElevationFailed is returned when ShouldFail is set.
var ErrMockPrivilegeElevationFailed = errors.New("mock privilege elevation failure")

// MockPrivilegeManager runs functions without changing privileges and
// records the operations requested.
type MockPrivilegeManager struct {
	Supported  bool
	ShouldFail bool

	mu             sync.Mutex
	elevationCalls []privilege.ElevationContext
}

// NewMockPrivilegeManager creates a manager that reports supported.
func NewMockPrivilegeManager(supported bool) *MockPrivilegeManager {
	return &MockPrivilegeManager{Supported: supported}
}

// NewFailingMockPrivilegeManager creates a manager whose elevations fail.
func NewFailingMockPrivilegeManager() *MockPrivilegeManager {
	return &MockPrivilegeManager{Supported: true, ShouldFail: true}
}

// WithPrivileges implements privilege.Manager.
func (m *MockPrivilegeManager) WithPrivileges(_ context.Context, elevationCtx privilege.ElevationContext, fn func() error) error {
	m.mu.Lock()
	m.elevationCalls = append(m.elevationCalls, elevationCtx)
	m.mu.Unlock()

	if m.ShouldFail {
		return ErrMockPrivilegeElevationFailed
	}
	return fn()
}

// Calls returns the recorded elevation contexts.
func (m *MockPrivilegeManager) Calls() []privilege.ElevationContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]privilege.ElevationContext(nil), m.elevationCalls...)
}

// IsPrivilegedExecutionSupported implements privilege.Manager.
func (m *MockPrivilegeManager) IsPrivilegedExecutionSupported() bool { return m.Supported }

// GetOriginalUID implements privilege.Manager.
func (m *MockPrivilegeManager) GetOriginalUID() int { return MockUID }

// GetMetrics implements privilege.Manager.
func (m *MockPrivilegeManager) GetMetrics() privilege.Metrics { return privilege.Metrics{} }
