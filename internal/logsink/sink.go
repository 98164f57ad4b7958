// Package logsink persists the combined output of a supervised child to an
// append-mode log file and fans parsed lines out to subscribers. The file
// write happens before any fan-out, so the on-disk order always matches the
// order in which the child's streams delivered their writes, regardless of
// how fast subscribers drain. Subscribers are served best-effort: when a
// subscriber lags, entries are dropped and a synthesized warning records how
// many were discarded.
package logsink

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tandem-sh/tandem/internal/runtime"
)

// Sink is an append-or-create log file with line fan-out.
type Sink struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	closed  bool
	subs    map[chan runtime.LogEntry]*subscriber
	writers map[string]*streamWriter
}

type subscriber struct {
	ch      chan runtime.LogEntry
	dropped int
}

// Open creates or opens the log file at path in append mode. Parent
// directories are created as needed.
func Open(path string) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &Sink{
		f:       f,
		path:    path,
		subs:    make(map[chan runtime.LogEntry]*subscriber),
		writers: make(map[string]*streamWriter),
	}, nil
}

// Path returns the location of the backing file.
func (s *Sink) Path() string {
	return s.path
}

// StreamWriter returns the writer for the named source. Writers for
// different sources share the sink's lock, so interleaved writes land in the
// file in arrival order.
func (s *Sink) StreamWriter(source string) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.writers[source]; ok {
		return w
	}
	w := &streamWriter{sink: s, source: source}
	s.writers[source] = w
	return w
}

// Subscribe registers a consumer of parsed log lines. The returned release
// function must be called once the consumer is done; the channel is closed
// either by release or when the sink closes.
func (s *Sink) Subscribe(buffer int) (<-chan runtime.LogEntry, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan runtime.LogEntry, buffer)

	s.mu.Lock()
	if s.closed {
		close(ch)
		s.mu.Unlock()
		return ch, func() {}
	}
	s.subs[ch] = &subscriber{ch: ch}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if sub, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(sub.ch)
		}
		s.mu.Unlock()
	}
	return ch, release
}

// Close flushes partial lines, closes subscriber channels and the backing
// file. Safe to call once concurrent writers have stopped.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, w := range s.writers {
		w.flushLocked()
	}
	for ch, sub := range s.subs {
		// Best effort: a subscriber that stopped draining must not be
		// able to wedge Close, so an unsendable drop notice is lost.
		s.flushDropsLocked(sub)
		delete(s.subs, ch)
		close(sub.ch)
	}
	s.closed = true
	return s.f.Close()
}

func (s *Sink) write(w *streamWriter, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, os.ErrClosed
	}
	n, err := s.f.Write(p)
	if n > 0 {
		w.split(p[:n])
	}
	return n, err
}

// publishLocked delivers a line to every subscriber without blocking.
func (s *Sink) publishLocked(entry runtime.LogEntry) {
	for _, sub := range s.subs {
		if !s.flushDropsLocked(sub) {
			sub.dropped++
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			sub.dropped++
		}
	}
}

// flushDropsLocked reports pending drops to the subscriber before further
// entries are delivered. A full channel leaves the count pending and
// returns false; the send never blocks.
func (s *Sink) flushDropsLocked(sub *subscriber) bool {
	if sub.dropped == 0 {
		return true
	}
	meta := runtime.LogEntry{
		Timestamp: time.Now(),
		Message:   fmt.Sprintf("dropped=%d", sub.dropped),
		Source:    runtime.LogSourceSystem,
		Level:     "warn",
	}
	select {
	case sub.ch <- meta:
		sub.dropped = 0
		return true
	default:
		return false
	}
}

type streamWriter struct {
	sink   *Sink
	source string
	buf    bytes.Buffer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	return w.sink.write(w, p)
}

// split is called with the sink lock held.
func (w *streamWriter) split(p []byte) {
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		if idx < 0 {
			w.buf.Write(p)
			return
		}
		w.buf.Write(p[:idx])
		w.emit(w.buf.String())
		w.buf.Reset()
		p = p[idx+1:]
	}
}

func (w *streamWriter) flushLocked() {
	if w.buf.Len() == 0 {
		return
	}
	w.emit(w.buf.String())
	w.buf.Reset()
}

func (w *streamWriter) emit(line string) {
	if line == "" {
		return
	}
	level := "info"
	if w.source == runtime.LogSourceStderr {
		level = "warn"
	}
	w.sink.publishLocked(runtime.LogEntry{
		Timestamp: time.Now(),
		Message:   line,
		Source:    w.source,
		Level:     level,
	})
}
