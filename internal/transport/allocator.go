package transport

// DefaultAllocationLimit caps a single marshalling buffer.
const DefaultAllocationLimit = 64 << 20

// Buffer is memory handed out by an Allocator. The zero value is the empty
// buffer returned when an allocation cannot be satisfied.
type Buffer struct {
	b []byte
}

// Bytes returns the buffer's memory. It is nil for an empty buffer.
func (b Buffer) Bytes() []byte { return b.b }

// Len returns the usable size of the buffer.
func (b Buffer) Len() int { return len(b.b) }

// IsNil reports whether the allocation failed or the buffer was freed.
func (b Buffer) IsNil() bool { return b.b == nil }

// Allocator provides the memory used to marshal payloads crossing the
// boundary. Implementations must be safe for concurrent use.
type Allocator interface {
	// Allocate returns a zeroed buffer of at least size bytes, or an empty
	// Buffer when the request cannot be satisfied.
	Allocate(size int) Buffer
	// Free releases a buffer obtained from Allocate and empties *buf.
	Free(buf *Buffer)
}

// HeapAllocator allocates from the Go heap.
type HeapAllocator struct {
	// Limit is the largest allocation served; zero means DefaultAllocationLimit.
	Limit int
}

// NewHeapAllocator returns a heap allocator with the given limit.
func NewHeapAllocator(limit int) *HeapAllocator {
	return &HeapAllocator{Limit: limit}
}

// Allocate implements Allocator.
func (a *HeapAllocator) Allocate(size int) Buffer {
	limit := a.Limit
	if limit <= 0 {
		limit = DefaultAllocationLimit
	}
	if size <= 0 || size > limit {
		return Buffer{}
	}
	return Buffer{b: make([]byte, size)}
}

// Free implements Allocator. The memory is returned to the garbage collector
// once the last reference is dropped.
func (a *HeapAllocator) Free(buf *Buffer) {
	if buf == nil {
		return
	}
	buf.b = nil
}
