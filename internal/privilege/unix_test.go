//go:build !windows

package privilege

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIdentity simulates the effective UID of a setuid process.
type fakeIdentity struct {
	mu        sync.Mutex
	euid      int
	failOnUID map[int]error
	calls     []int
}

func (f *fakeIdentity) seteuid(uid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, uid)
	if err := f.failOnUID[uid]; err != nil {
		return err
	}
	f.euid = uid
	return nil
}

func (f *fakeIdentity) geteuid() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.euid
}

func newTestManager(id *fakeIdentity, exitCode *int) *UnixPrivilegeManager {
	return &UnixPrivilegeManager{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		originalUID: 1000,
		supported:   true,
		seteuid:     id.seteuid,
		geteuid:     id.geteuid,
		exit:        func(code int) { *exitCode = code },
	}
}

func TestWithPrivileges_ElevatesAndRestores(t *testing.T) {
	id := &fakeIdentity{euid: 1000}
	exitCode := -1
	m := newTestManager(id, &exitCode)

	var euidInside int
	err := m.WithPrivileges(context.Background(), ElevationContext{Operation: OperationSpawnChild, RequestID: "r1"}, func() error {
		euidInside = id.geteuid()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 0, euidInside)
	assert.Equal(t, 1000, id.geteuid())
	assert.Equal(t, []int{0, 1000}, id.calls)
	assert.Equal(t, -1, exitCode)

	metrics := m.GetMetrics()
	assert.Equal(t, int64(1), metrics.ElevationSuccesses)
	assert.Equal(t, int64(0), metrics.ElevationFailures)
}

func TestWithPrivileges_ReturnsFunctionError(t *testing.T) {
	id := &fakeIdentity{euid: 1000}
	exitCode := -1
	m := newTestManager(id, &exitCode)
	errSpawn := errors.New("spawn failed")

	err := m.WithPrivileges(context.Background(), ElevationContext{Operation: OperationSpawnChild}, func() error {
		return errSpawn
	})

	assert.ErrorIs(t, err, errSpawn)
	assert.Equal(t, 1000, id.geteuid())
}

func TestWithPrivileges_ElevationFailure(t *testing.T) {
	id := &fakeIdentity{euid: 1000, failOnUID: map[int]error{0: syscall.EPERM}}
	exitCode := -1
	m := newTestManager(id, &exitCode)

	called := false
	err := m.WithPrivileges(context.Background(), ElevationContext{Operation: OperationListen, RequestID: "r2"}, func() error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.ErrorIs(t, err, ErrPrivilegeElevationFailed)
	assert.ErrorIs(t, err, syscall.EPERM)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, OperationListen, perr.Operation)
	assert.Equal(t, "r2", perr.RequestID)
	assert.Equal(t, int64(1), m.GetMetrics().ElevationFailures)
}

func TestWithPrivileges_Unsupported(t *testing.T) {
	id := &fakeIdentity{euid: 1000}
	exitCode := -1
	m := newTestManager(id, &exitCode)
	m.supported = false

	err := m.WithPrivileges(context.Background(), ElevationContext{Operation: OperationSpawnChild}, func() error { return nil })
	assert.ErrorIs(t, err, ErrPrivilegedExecutionNotAvailable)
	assert.Empty(t, id.calls)
}

func TestWithPrivileges_PanicRestoresAndRepanics(t *testing.T) {
	id := &fakeIdentity{euid: 1000}
	exitCode := -1
	m := newTestManager(id, &exitCode)

	assert.PanicsWithValue(t, "boom", func() {
		_ = m.WithPrivileges(context.Background(), ElevationContext{Operation: OperationSpawnChild}, func() error {
			panic("boom")
		})
	})
	assert.Equal(t, 1000, id.geteuid())
	assert.Equal(t, -1, exitCode)
	assert.Equal(t, int64(0), m.GetMetrics().ElevationSuccesses)
}

func TestWithPrivileges_RestoreFailureShutsDown(t *testing.T) {
	id := &fakeIdentity{euid: 1000, failOnUID: map[int]error{1000: syscall.EPERM}}
	exitCode := -1
	m := newTestManager(id, &exitCode)

	err := m.WithPrivileges(context.Background(), ElevationContext{Operation: OperationSpawnChild}, func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, 1, exitCode)
}

func TestWithPrivileges_NativeRoot(t *testing.T) {
	id := &fakeIdentity{euid: 0}
	exitCode := -1
	m := newTestManager(id, &exitCode)
	m.originalUID = 0

	err := m.WithPrivileges(context.Background(), ElevationContext{Operation: OperationSpawnChild}, func() error { return nil })
	require.NoError(t, err)
	assert.Empty(t, id.calls)
}

func TestWithPrivileges_Serialized(t *testing.T) {
	id := &fakeIdentity{euid: 1000}
	exitCode := -1
	m := newTestManager(id, &exitCode)

	const workers = 20
	var (
		wg     sync.WaitGroup
		inside int
		maxIn  int
		mu     sync.Mutex
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithPrivileges(context.Background(), ElevationContext{Operation: OperationSpawnChild}, func() error {
				mu.Lock()
				inside++
				maxIn = max(maxIn, inside)
				mu.Unlock()

				assert.Equal(t, 0, id.geteuid())

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxIn)
	assert.Equal(t, int64(workers), m.GetMetrics().ElevationSuccesses)
	assert.Equal(t, 1000, id.geteuid())
}
