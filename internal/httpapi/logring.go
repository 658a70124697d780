package httpapi

import (
	"fmt"
	"sync"

	"github.com/calmirror/calmirror/internal/calsync"
)

const defaultRingCapacity = 500

// LogRing is a Logger that keeps the most recent lines in memory and fans
// them out to live subscribers. It usually tees into a real logger as well.
type LogRing struct {
	mu          sync.Mutex
	lines       []string
	capacity    int
	next        calsync.Logger
	subscribers map[chan string]struct{}
}

func NewLogRing(capacity int, next calsync.Logger) *LogRing {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &LogRing{
		capacity:    capacity,
		next:        next,
		subscribers: map[chan string]struct{}{},
	}
}

func (l *LogRing) Printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)

	l.mu.Lock()
	l.lines = append(l.lines, line)
	if len(l.lines) > l.capacity {
		l.lines = l.lines[len(l.lines)-l.capacity:]
	}
	for ch := range l.subscribers {
		// A subscriber that cannot keep up loses lines rather than
		// blocking the sync pass.
		select {
		case ch <- line:
		default:
		}
	}
	next := l.next
	l.mu.Unlock()

	if next != nil {
		next.Printf("%s", line)
	}
}

// Recent returns a copy of the buffered lines, oldest first.
func (l *LogRing) Recent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// Subscribe registers a live feed. The returned cancel func must be called
// exactly once.
func (l *LogRing) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	l.mu.Lock()
	l.subscribers[ch] = struct{}{}
	l.mu.Unlock()
	cancel := func() {
		l.mu.Lock()
		delete(l.subscribers, ch)
		l.mu.Unlock()
	}
	return ch, cancel
}
