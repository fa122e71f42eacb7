package recovery

import "sync"

// Ring is a bounded buffer of recent error records kept for diagnostics.
// When full, the oldest record is overwritten.
type Ring struct {
	mu      sync.Mutex
	records []ErrorRecord
	next    int
	full    bool
}

// NewRing creates a ring holding at most capacity records.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 64
	}
	return &Ring{records: make([]ErrorRecord, capacity)}
}

// Add appends a record, evicting the oldest when the ring is full.
func (r *Ring) Add(record ErrorRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[r.next] = record
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns the buffered records, oldest first.
func (r *Ring) Recent() []ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]ErrorRecord, r.next)
		copy(out, r.records[:r.next])
		return out
	}

	out := make([]ErrorRecord, 0, len(r.records))
	out = append(out, r.records[r.next:]...)
	out = append(out, r.records[:r.next]...)
	return out
}

// Len returns the number of buffered records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		return len(r.records)
	}
	return r.next
}
