package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
)

// DefaultRuntimeLogSize is how many entries a RuntimeLog keeps.
const DefaultRuntimeLogSize = 1000

// Entry is one control-surface command as shown by GET /logs.
type Entry struct {
	Text      string `json:"text"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// RuntimeLog keeps the most recent commands in memory.
type RuntimeLog struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
	now     func() time.Time
}

// NewRuntimeLog creates a log that keeps at most size entries.
func NewRuntimeLog(size int) *RuntimeLog {
	if size <= 0 {
		size = DefaultRuntimeLogSize
	}
	return &RuntimeLog{size: size, now: time.Now}
}

// Add appends an entry, dropping the oldest when full.
func (l *RuntimeLog) Add(text, status string) Entry {
	e := Entry{Text: text, Status: status, Timestamp: l.now().Unix()}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == l.size {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, e)
	return e
}

// Since returns entries with a timestamp at or after since, oldest first. A
// zero since returns everything.
func (l *RuntimeLog) Since(since int64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if since == 0 || e.Timestamp >= since {
			out = append(out, e)
		}
	}
	return out
}

// arg is one named value shown in an entry text.
type arg struct {
	name  string
	value any
}

// entryText renders "name - a: 1, b: 2".
func entryText(name string, args ...arg) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	_, _ = buf.WriteString(name)
	for i, a := range args {
		if i == 0 {
			_, _ = buf.WriteString(" - ")
		} else {
			_, _ = buf.WriteString(", ")
		}
		_, _ = fmt.Fprintf(buf, "%s: %v", a.name, a.value)
	}
	return buf.String()
}
