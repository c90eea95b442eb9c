/*
Package logbuf provides a circular buffer that implements slog.Handler.

It stores the most recent N log entries in a ring buffer and notifies
registered subscribers when new entries arrive. It is plugged into the
slog handler chain as an additional sink for the management live log
stream.
*/
package logbuf

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is a single log entry stored in the buffer.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Subscriber receives new log entries at or above its level via a channel.
type Subscriber struct {
	C        chan Entry
	minLevel slog.Level
}

// Buffer is a fixed-size circular buffer of log entries with subscriber fan-out.
type Buffer struct {
	mu          sync.Mutex
	entries     []Entry
	size        int
	pos         int // next write position
	count       int // total entries written
	subscribers map[*Subscriber]struct{}
}

// New creates a new circular buffer with the given capacity.
func New(size int) *Buffer {
	if size <= 0 {
		size = 1000
	}
	return &Buffer{
		entries:     make([]Entry, size),
		size:        size,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// add stores an entry and fans out to subscribers.
func (b *Buffer) add(entry Entry) {
	b.mu.Lock()
	b.entries[b.pos] = entry
	b.pos = (b.pos + 1) % b.size
	b.count++

	entryLevel := ParseLevel(entry.Level)
	for s := range b.subscribers {
		if entryLevel < s.minLevel {
			continue
		}
		select {
		case s.C <- entry:
		default:
			// Drop if subscriber is slow; never block the logger.
		}
	}
	b.mu.Unlock()
}

// Recent returns the most recent n entries, filtered by minimum level.
func (b *Buffer) Recent(n int, minLevel slog.Level) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.count
	if total > b.size {
		total = b.size
	}

	if n <= 0 || n > total {
		n = total
	}

	result := make([]Entry, 0, n)
	start := (b.pos - total + b.size) % b.size
	for i := 0; i < total; i++ {
		e := b.entries[(start+i)%b.size]
		if ParseLevel(e.Level) >= minLevel {
			result = append(result, e)
		}
	}

	if len(result) > n {
		result = result[len(result)-n:]
	}
	return result
}

// Subscribe creates a new subscriber that receives log entries at or above minLevel.
func (b *Buffer) Subscribe(minLevel slog.Level) *Subscriber {
	s := &Subscriber{
		C:        make(chan Entry, 256),
		minLevel: minLevel,
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber.
func (b *Buffer) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
}

// Handler returns an slog.Handler that writes entries to this buffer.
func (b *Buffer) Handler() slog.Handler {
	return &bufHandler{buf: b}
}

// bufHandler implements slog.Handler, writing records to the Buffer.
type bufHandler struct {
	buf    *Buffer
	attrs  []slog.Attr
	groups []string
}

func (h *bufHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true // capture all levels
}

func (h *bufHandler) Handle(_ context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface
	attrs := make(map[string]any)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}

	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})

	h.buf.add(Entry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Attrs:     attrs,
	})
	return nil
}

func (h *bufHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &bufHandler{
		buf:    h.buf,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *bufHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups[len(h.groups)] = name
	return &bufHandler{
		buf:    h.buf,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// ParseLevel converts a level string to slog.Level.
func ParseLevel(s string) slog.Level {
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
