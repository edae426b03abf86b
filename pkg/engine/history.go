package engine

import (
	"sync"
	"time"
)

const historyWindow = 64

// History keeps a sliding window of observed execution durations per plugin
// instance. The analyzer reads it to estimate the latency saved by a skip.
// It is shared across requests and safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	windows map[string]*durationWindow
}

type durationWindow struct {
	samples [historyWindow]time.Duration
	next    int
	count   int
	sum     time.Duration
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{windows: make(map[string]*durationWindow)}
}

// Observe records one execution duration for the named plugin instance.
func (h *History) Observe(plugin string, duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	window, ok := h.windows[plugin]
	if !ok {
		window = &durationWindow{}
		h.windows[plugin] = window
	}

	if window.count == historyWindow {
		window.sum -= window.samples[window.next]
	} else {
		window.count++
	}
	window.samples[window.next] = duration
	window.sum += duration
	window.next = (window.next + 1) % historyWindow
}

// Average returns the mean recorded duration for the plugin, or zero when no
// execution has been observed yet.
func (h *History) Average(plugin string) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	window, ok := h.windows[plugin]
	if !ok || window.count == 0 {
		return 0
	}
	return window.sum / time.Duration(window.count)
}
