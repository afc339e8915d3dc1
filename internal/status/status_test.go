package status_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"syscall"
	"testing"

	"github.com/isseis/go-safe-elevate/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  uint32
		want status.Status
	}{
		{name: "access denied", raw: 0x00000005, want: status.AccessDenied},
		{name: "server unavailable", raw: 1722, want: status.ServerUnavailable},
		{name: "zero raw code is still tagged", raw: 0, want: 0x80070000},
		{name: "high bits dropped from raw code", raw: 0x7FFF1234, want: 0x80071234},
		{name: "rich code unchanged", raw: 0x8000FFFF, want: status.Unexpected},
		{name: "nt status unchanged", raw: 0xC0000005, want: 0xC0000005},
		{name: "max value unchanged", raw: 0xFFFFFFFF, want: 0xFFFFFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Normalize(tt.raw))
		})
	}
}

func TestNormalize_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 10000; i++ {
		raw := rng.Uint32()
		got := status.Normalize(raw)

		if raw&0x80000000 == 0 {
			require.Equal(t, status.Status(0x80070000|raw&0xFFFF), got, "raw=0x%08X", raw)
		} else {
			require.Equal(t, status.Status(raw), got, "raw=0x%08X", raw)
		}
		require.True(t, got.Failed(), "normalized code must be rich: 0x%08X", uint32(got))
		require.Equal(t, got, status.Normalize(uint32(got)), "normalization must be idempotent")
	}
}

func TestStatus_Accessors(t *testing.T) {
	assert.True(t, status.OK.Succeeded())
	assert.False(t, status.OK.Failed())
	assert.True(t, status.AccessDenied.Failed())
	assert.Equal(t, status.FacilityWin32, status.AccessDenied.Facility())
	assert.Equal(t, uint32(5), status.AccessDenied.Code())
	assert.Equal(t, uint32(9009), status.BadCommandOrFile.Code())
	assert.Equal(t, "0x80070005 (access denied)", status.AccessDenied.String())
	assert.Equal(t, "0x80071234", status.Status(0x80071234).String())
}

func TestStatus_Err(t *testing.T) {
	require.NoError(t, status.OK.Err())

	err := status.Busy.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, status.Busy.Err())
	assert.NotErrorIs(t, err, status.AccessDenied.Err())

	wrapped := fmt.Errorf("request: %w", err)
	assert.Equal(t, status.Busy, status.Extract(wrapped, status.Unexpected))
	assert.Equal(t, status.Unexpected, status.Extract(errors.New("plain"), status.Unexpected))
	assert.Equal(t, status.OK, status.Extract(nil, status.Unexpected))
}

func TestExtract_DoesNotInterpretErrors(t *testing.T) {
	err := fmt.Errorf("open: %w", syscall.ENOENT)
	assert.Equal(t, status.FileNotFound, status.FromError(err))
	assert.Equal(t, status.Unexpected, status.Extract(err, status.Unexpected))

	carried := fmt.Errorf("wrapped: %w", status.AccessDenied.Err())
	assert.Equal(t, status.AccessDenied, status.FromError(carried))
	assert.Equal(t, status.AccessDenied, status.Extract(carried, status.Unexpected))
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want status.Status
	}{
		{name: "nil", err: nil, want: status.OK},
		{name: "status error", err: fmt.Errorf("x: %w", status.Busy.Err()), want: status.Busy},
		{name: "enoent", err: &os.PathError{Op: "open", Path: "/x", Err: syscall.ENOENT}, want: status.FileNotFound},
		{name: "eacces", err: syscall.EACCES, want: status.AccessDenied},
		{name: "eperm", err: syscall.EPERM, want: status.AccessDenied},
		{name: "einval", err: syscall.EINVAL, want: status.InvalidParameter},
		{name: "deadline", err: context.DeadlineExceeded, want: status.Timeout},
		{name: "canceled", err: context.Canceled, want: status.Cancelled},
		{name: "not exist", err: os.ErrNotExist, want: status.FileNotFound},
		{name: "unknown", err: errors.New("boom"), want: status.Unexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.FromError(tt.err))
		})
	}
}
