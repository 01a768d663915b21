package imu

import "sync"

// Ring is a fixed-capacity circular buffer of samples. Appends evict the
// oldest sample once full. All reads take a consistent snapshot under a
// single lock acquisition and return copies.
type Ring struct {
	mu   sync.Mutex
	buf  []Sample
	head int // next write position
	size int
}

// NewRing creates a ring holding up to capacity samples.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]Sample, capacity)}
}

// Append adds a sample, evicting the oldest when full. O(1).
func (r *Ring) Append(s Sample) {
	r.mu.Lock()
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.mu.Unlock()
}

// Len returns the number of stored samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Window returns all samples with timestamp at or after the newest
// timestamp minus seconds, oldest first. Empty buffer yields nil.
func (r *Ring) Window(seconds float64) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	newest := r.at(r.size - 1).Timestamp
	cutoff := newest - seconds

	// Walk back from the newest until the cutoff.
	start := r.size
	for i := r.size - 1; i >= 0; i-- {
		if r.at(i).Timestamp < cutoff {
			break
		}
		start = i
	}

	out := make([]Sample, 0, r.size-start)
	for i := start; i < r.size; i++ {
		out = append(out, *r.at(i))
	}
	return out
}

// Latest returns the most recent n samples, oldest first, or fewer if
// the buffer holds fewer.
func (r *Ring) Latest(n int) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}

	out := make([]Sample, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, *r.at(i))
	}
	return out
}

// at returns the i-th oldest sample. Caller holds the lock.
func (r *Ring) at(i int) *Sample {
	idx := (r.head - r.size + i + len(r.buf)) % len(r.buf)
	return &r.buf[idx]
}
