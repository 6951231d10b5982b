package queue

import "sync"

// hub fans job events out to the callers waiting on them.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // jobId -> set of channels
}

func newHub() *hub {
	return &hub{subs: map[string]map[chan Event]struct{}{}}
}

func (h *hub) Watch(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, 1)
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = map[chan Event]struct{}{}
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() { once.Do(func() { h.unwatch(jobID, ch) }) }
}

func (h *hub) unwatch(jobID string, ch chan Event) {
	h.mu.Lock()
	if m := h.subs[jobID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(h.subs, jobID)
		}
	}
	h.mu.Unlock()
}

func (h *hub) publish(evt Event) {
	h.mu.Lock()
	for ch := range h.subs[evt.JobID] {
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *hub) watching() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
