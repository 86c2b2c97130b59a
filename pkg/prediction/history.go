package prediction

// History is the rollback ring: predicted states ordered by ascending
// timestamp. Entries are only ever removed from the front (age and capacity
// trimming) or the back (rollback truncation).
type History struct {
	states []State
}

func NewHistory(capacity int) *History {
	return &History{
		states: make([]State, 0, capacity+1),
	}
}

func (h *History) Len() int {
	return len(h.states)
}

// States returns a copy of the ring, oldest first.
func (h *History) States() []State {
	out := make([]State, len(h.states))
	copy(out, h.states)
	return out
}

func (h *History) Newest() (State, bool) {
	if len(h.states) == 0 {
		return State{}, false
	}
	return h.states[len(h.states)-1], true
}

func (h *History) Push(state State) {
	h.states = append(h.states, state)
}

// Trim drops the oldest entries until at most maxCount remain and none is
// more than maxAgeMs older than the newest entry.
func (h *History) Trim(maxCount int, maxAgeMs int64) {
	drop := 0
	if excess := len(h.states) - maxCount; excess > 0 {
		drop = excess
	}

	if len(h.states) > 0 {
		newest := h.states[len(h.states)-1].Timestamp
		for drop < len(h.states) && newest-h.states[drop].Timestamp > maxAgeMs {
			drop++
		}
	}

	if drop == 0 {
		return
	}

	// Shift in place so the backing array does not creep forward forever.
	n := copy(h.states, h.states[drop:])
	h.states = h.states[:n]
}

// Nearest finds the entry whose timestamp is closest to timestamp. Ties keep
// the older entry.
func (h *History) Nearest(timestamp int64) (index int, delta int64, ok bool) {
	index = -1
	for i, state := range h.states {
		d := state.Timestamp - timestamp
		if d < 0 {
			d = -d
		}
		if index == -1 || d < delta {
			index = i
			delta = d
		}
	}
	return index, delta, index != -1
}

func (h *History) At(index int) State {
	return h.states[index]
}

// TruncateAfter keeps everything at or before index.
func (h *History) TruncateAfter(index int) {
	if index < 0 {
		h.states = h.states[:0]
		return
	}
	if index+1 < len(h.states) {
		h.states = h.states[:index+1]
	}
}

func (h *History) Clear() {
	h.states = h.states[:0]
}
