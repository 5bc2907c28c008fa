// Package ring implements the lock-free single-producer/single-consumer
// int16 PCM ring buffer used between the capture task and the front-end,
// and for the playback reference (spec §4.6).
//
// One slot is always reserved so the full and empty conditions can be told
// apart from cursor values alone. A store-release / load-acquire pair on the
// cursors (via atomic.Uint64) gives the consumer the same publication
// barrier the spec calls for without needing an explicit fence primitive:
// Go's memory model guarantees a value written before an atomic store is
// visible to any goroutine that observes that store via an atomic load.
package ring

import "sync/atomic"

// Ring is a fixed-capacity SPSC int16 ring buffer. Exactly one goroutine may
// call Write/Reset and exactly one (possibly different) goroutine may call
// Read; Available may be called from either.
type Ring struct {
	buf  []int16
	cap  uint64 // usable capacity; physical buffer is cap+1
	read atomic.Uint64
	write atomic.Uint64
}

// New creates a ring able to hold capacity samples before reporting full.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		buf: make([]int16, capacity+1),
		cap: uint64(capacity),
	}
}

// Capacity returns the usable sample capacity (not counting the reserved slot).
func (r *Ring) Capacity() int { return int(r.cap) }

// Write stores as many of samples as fit, returning the count actually
// stored. It never blocks; on insufficient space the caller is responsible
// for counting the dropped remainder.
func (r *Ring) Write(samples []int16) int {
	readPos := r.read.Load()
	writePos := r.write.Load()
	free := r.freeSpace(readPos, writePos)
	n := len(samples)
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}
	physCap := uint64(len(r.buf))
	for i := 0; i < n; i++ {
		r.buf[(writePos+uint64(i))%physCap] = samples[i]
	}
	// Publication barrier: the atomic store below happens-after the plain
	// stores above, so a consumer that observes the new write cursor also
	// observes the samples.
	r.write.Store(writePos + uint64(n))
	return n
}

// Read copies up to len(out) samples into out, returning the count actually
// copied. It never blocks.
func (r *Ring) Read(out []int16) int {
	writePos := r.write.Load()
	readPos := r.read.Load()
	avail := int(writePos - readPos)
	n := len(out)
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}
	physCap := uint64(len(r.buf))
	for i := 0; i < n; i++ {
		out[i] = r.buf[(readPos+uint64(i))%physCap]
	}
	r.read.Store(readPos + uint64(n))
	return n
}

// Available returns the number of samples currently readable.
func (r *Ring) Available() int {
	return int(r.write.Load() - r.read.Load())
}

// FreeSpace returns the number of samples that could be written right now.
func (r *Ring) FreeSpace() int {
	return r.freeSpace(r.read.Load(), r.write.Load())
}

func (r *Ring) freeSpace(readPos, writePos uint64) int {
	used := int(writePos - readPos)
	return int(r.cap) - used
}

// Reset zeroes both cursors. Only safe to call when no concurrent producer
// or consumer access is possible — the owner calls this during an A
// sub-mode transition that invalidates stale audio (spec §4.6).
func (r *Ring) Reset() {
	r.read.Store(0)
	r.write.Store(0)
}
