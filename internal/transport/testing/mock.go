// Package testing provides shared test doubles for the transport contracts.
package testing

import (
	"sync"

	"github.com/isseis/go-safe-elevate/internal/transport"
)

// FakeBinding is a Binding with a fixed endpoint name.
type FakeBinding struct {
	Name string
}

// Endpoint returns the configured name.
func (b *FakeBinding) Endpoint() string {
	return b.Name
}

// NewFakeBinding creates a FakeBinding.
func NewFakeBinding(name string) *FakeBinding {
	return &FakeBinding{Name: name}
}

// CountingAllocator wraps another allocator and tracks outstanding buffers.
type CountingAllocator struct {
	inner transport.Allocator

	mu          sync.Mutex
	outstanding map[*byte]int
	allocations int
	failures    int
	frees       int
}

// NewCountingAllocator wraps inner, or a default heap allocator when nil.
func NewCountingAllocator(inner transport.Allocator) *CountingAllocator {
	if inner == nil {
		inner = transport.NewHeapAllocator(0)
	}
	return &CountingAllocator{inner: inner, outstanding: make(map[*byte]int)}
}

// Allocate implements transport.Allocator.
func (a *CountingAllocator) Allocate(size int) transport.Buffer {
	buf := a.inner.Allocate(size)

	a.mu.Lock()
	defer a.mu.Unlock()
	if buf.IsNil() {
		a.failures++
		return buf
	}
	a.allocations++
	a.outstanding[&buf.Bytes()[0]] = buf.Len()
	return buf
}

// Free implements transport.Allocator.
func (a *CountingAllocator) Free(buf *transport.Buffer) {
	if buf == nil || buf.IsNil() {
		return
	}

	a.mu.Lock()
	delete(a.outstanding, &buf.Bytes()[0])
	a.frees++
	a.mu.Unlock()

	a.inner.Free(buf)
}

// Outstanding returns the number of buffers allocated but not yet freed.
func (a *CountingAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outstanding)
}

// Allocations returns the number of successful allocations.
func (a *CountingAllocator) Allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocations
}

// Failures returns the number of allocations that produced an empty buffer.
func (a *CountingAllocator) Failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

// ShortAllocator hands out buffers smaller than requested. It simulates a
// corrupted allocator for fault tests.
type ShortAllocator struct{}

// Allocate returns a buffer one byte short of size.
func (ShortAllocator) Allocate(size int) transport.Buffer {
	if size <= 1 {
		return transport.Buffer{}
	}
	return transport.NewHeapAllocator(0).Allocate(size - 1)
}

// Free implements transport.Allocator.
func (ShortAllocator) Free(buf *transport.Buffer) {
	transport.NewHeapAllocator(0).Free(buf)
}

// FailingAllocator never satisfies an allocation.
type FailingAllocator struct{}

// Allocate always returns an empty buffer.
func (FailingAllocator) Allocate(int) transport.Buffer { return transport.Buffer{} }

// Free implements transport.Allocator.
func (FailingAllocator) Free(*transport.Buffer) {}
