// Package audit implements the append-only audit log of observed traffic.
//
// Each record has the form
//
//	\n=== <timestamp> <label> (<N> bytes) ===\n<payload>\n
//
// where the timestamp is local time in ISO-8601 with microseconds and N is
// the length of the raw payload in bytes. Payloads that are valid UTF-8 are
// written as text; other payloads are written as a hexadecimal dump.
package audit

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"src.lsptap.dev/pkg/logutil"
)

var logger = logutil.GetLogger("[audit] ")

// TimeFormat is the layout of record timestamps.
const TimeFormat = "2006-01-02T15:04:05.000000"

// Label tags a record with where its payload came from.
type Label string

// Labels not tied to a forwarding direction.
const (
	Stderr Label = "STDERR"
	Signal Label = "SIGNAL"
	Info   Label = "INFO"
	Error  Label = "ERROR"
)

// Overridden in tests.
var now = time.Now

// Sink serializes records into a log target. It is safe for concurrent use;
// the whole of a record is written while holding the lock, so records from
// different goroutines never interleave.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// New returns a Sink writing to w. Close does not close w.
func New(w io.Writer) *Sink {
	return &Sink{w: w}
}

// Open opens the file at path for appending, creating it and its parent
// directory if needed, and returns a Sink that owns it.
func Open(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Sink{w: f, closer: f}, nil
}

// Record writes one record. The record is handed to the log target in a
// single write before Record returns. Write failures are logged and otherwise
// ignored; auditing never stops forwarding.
func (s *Sink) Record(label Label, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Timestamps are taken under the lock, so they never go backwards in the
	// log.
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n=== %s %s (%d bytes) ===\n",
		now().Format(TimeFormat), label, len(payload))
	writePayload(&buf, payload)
	buf.WriteByte('\n')
	s.write(buf.Bytes())
}

// Recordf writes a record whose payload is a formatted message.
func (s *Sink) Recordf(label Label, format string, args ...any) {
	s.Record(label, []byte(fmt.Sprintf(format, args...)))
}

// Banner writes the session boundary marker.
func (s *Sink) Banner(binPath, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule := strings.Repeat("=", 60)
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n\n%s\n", rule)
	fmt.Fprintf(&buf, "Session started: %s\n", now().Format(TimeFormat))
	fmt.Fprintf(&buf, "LSP: %s\n", binPath)
	fmt.Fprintf(&buf, "Session: %s\n", sessionID)
	fmt.Fprintf(&buf, "%s\n", rule)
	s.write(buf.Bytes())
}

// Close closes the log target if the Sink owns it.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	s.w = io.Discard
	return err
}

// write must be called with s.mu held.
func (s *Sink) write(p []byte) {
	if _, err := s.w.Write(p); err != nil {
		logger.Println("failed to write record:", err)
	}
}

func writePayload(buf *bytes.Buffer, payload []byte) {
	if utf8.Valid(payload) {
		buf.Write(payload)
	} else {
		fmt.Fprintf(buf, "<binary: %x>", payload)
	}
}
