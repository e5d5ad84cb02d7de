package ops

import (
	"bytes"
	"sync"
)

// LogRing is an io.Writer that keeps the newest log lines in memory for the
// /log view. Wire it into the process logger with io.MultiWriter.
type LogRing struct {
	mu    sync.Mutex
	lines []string
	max   int
	tail  []byte
}

// NewLogRing creates a ring holding up to max lines.
func NewLogRing(max int) *LogRing {
	return &LogRing{max: max}
}

// Write splits the stream into lines and appends them, dropping the oldest
// past capacity. Partial lines are buffered until their newline arrives.
func (r *LogRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := append(r.tail, p...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		r.lines = append(r.lines, string(buf[:i]))
		buf = buf[i+1:]
	}
	r.tail = append(r.tail[:0], buf...)

	if over := len(r.lines) - r.max; over > 0 {
		r.lines = append([]string(nil), r.lines[over:]...)
	}
	return len(p), nil
}

// Lines returns up to n of the newest lines, oldest first. n <= 0 means all.
func (r *LogRing) Lines(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.lines) {
		n = len(r.lines)
	}
	return append([]string(nil), r.lines[len(r.lines)-n:]...)
}
