package audit

import "sync"

// MemoryRecorder keeps events in memory, bounded to a maximum count. It
// backs the audit API surface and tests.
type MemoryRecorder struct {
	events []Event
	max    int
	mutex  sync.RWMutex
}

// NewMemoryRecorder creates a recorder retaining at most max events; older
// events are dropped first. max <= 0 means unbounded.
func NewMemoryRecorder(max int) *MemoryRecorder {
	return &MemoryRecorder{max: max}
}

// Record appends an event.
func (r *MemoryRecorder) Record(e Event) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, e)
	if r.max > 0 && len(r.events) > r.max {
		r.events = r.events[len(r.events)-r.max:]
	}
	return nil
}

// Recent returns up to limit most recent events, newest last.
func (r *MemoryRecorder) Recent(limit int) []Event {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	start := 0
	if limit > 0 && len(r.events) > limit {
		start = len(r.events) - limit
	}
	out := make([]Event, len(r.events)-start)
	copy(out, r.events[start:])
	return out
}

// ByOperation returns all events with the given operation name, oldest first.
func (r *MemoryRecorder) ByOperation(operation string) []Event {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var out []Event
	for _, e := range r.events {
		if e.Operation == operation {
			out = append(out, e)
		}
	}
	return out
}
