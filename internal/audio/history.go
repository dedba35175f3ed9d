package audio

import "github.com/normanking/visemesync/internal/viseme"

// HistorySize is the phoneme vote window.
const HistorySize = 5

// PhonemeHistory is a fixed-capacity ring of the last raw classifications,
// used to damp classifier flicker by majority vote.
type PhonemeHistory struct {
	slots        [HistorySize]viseme.Class
	historyIndex int
	filled       int
}

// Push records a raw classification, overwriting the oldest when full.
func (h *PhonemeHistory) Push(c viseme.Class) {
	h.slots[h.historyIndex] = c
	h.historyIndex = (h.historyIndex + 1) % len(h.slots)
	if h.filled < len(h.slots) {
		h.filled++
	}
}

// Len returns the number of recorded classifications.
func (h *PhonemeHistory) Len() int {
	return h.filled
}

// Majority returns the most frequent class in the window. Among tied classes
// the one inserted most recently wins. An empty history votes Silence.
func (h *PhonemeHistory) Majority() viseme.Class {
	if h.filled == 0 {
		return viseme.Silence
	}

	var counts [viseme.ClassCount]int
	best := 0
	for i := 0; i < h.filled; i++ {
		c := h.slots[i]
		counts[c]++
		if counts[c] > best {
			best = counts[c]
		}
	}

	// Walk newest to oldest; the first class at the top count is the winner.
	for i := 1; i <= h.filled; i++ {
		c := h.slots[(h.historyIndex-i+len(h.slots))%len(h.slots)]
		if counts[c] == best {
			return c
		}
	}
	return viseme.Silence
}

// Reset clears the window.
func (h *PhonemeHistory) Reset() {
	h.historyIndex = 0
	h.filled = 0
	for i := range h.slots {
		h.slots[i] = viseme.Silence
	}
}
