package supervisor

import "sync"

// ring is a bounded byte buffer keeping the tail of an execution's output so
// reattaching consumers can catch up without replaying the whole jsonl file.
type ring struct {
	mu    sync.Mutex
	buf   []byte
	size  int
	start int
	count int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1
	}
	return &ring{buf: make([]byte, size), size: size}
}

// Write appends p, evicting the oldest bytes when full. Always succeeds.
func (r *ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(p)
	if n >= r.size {
		copy(r.buf, p[n-r.size:])
		r.start = 0
		r.count = r.size
		return n, nil
	}
	for _, b := range p {
		idx := (r.start + r.count) % r.size
		r.buf[idx] = b
		if r.count < r.size {
			r.count++
		} else {
			r.start = (r.start + 1) % r.size
		}
	}
	return n, nil
}

// Tail returns a copy of the buffered bytes, oldest first.
func (r *ring) Tail() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%r.size]
	}
	return out
}
