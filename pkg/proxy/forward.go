package proxy

import (
	"bufio"
	"io"

	"src.lsptap.dev/pkg/audit"
	"src.lsptap.dev/pkg/frame"
)

// forwardEditor forwards messages from the editor to the server until the
// editor's stream ends, then closes the server's stdin.
func (s *Session) forwardEditor(editor io.Reader) {
	forwardMessages(s.sink, EditorToServer, editor, s.stdin)
	s.stdin.Close()
}

// forwardServer forwards messages from the server to the editor until the
// server's stdout ends.
func (s *Session) forwardServer(editor io.Writer) {
	forwardMessages(s.sink, ServerToEditor, s.stdout, editor)
}

// recordStderr records the server's stderr until it ends.
func (s *Session) recordStderr() {
	forwardStderr(s.sink, s.stderr)
}

// forwardMessages copies messages from src to dst, recording each one, until
// src ends or an I/O error occurs. Messages are written to dst exactly as they
// were read.
func forwardMessages(sink *audit.Sink, d Direction, src io.Reader, dst io.Writer) {
	r := frame.NewReader(src)
	for {
		msg, err := r.Read()
		if err != nil {
			if frame.IsEndOfStream(err) {
				logger.Printf("%v: end of stream", d)
			} else {
				sink.Recordf(audit.Error, "%v forward error: %v", d, err)
			}
			return
		}
		b := msg.Bytes()
		sink.Record(d.Label(), b)
		if _, err := dst.Write(b); err != nil {
			sink.Recordf(audit.Error, "%v forward error: %v", d, err)
			return
		}
	}
}

// forwardStderr records src line by line until it ends. A final line without
// a newline is recorded as is.
func forwardStderr(sink *audit.Sink, src io.Reader) {
	r := bufio.NewReader(src)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			sink.Record(audit.Stderr, line)
		}
		if err != nil {
			if !frame.IsEndOfStream(err) {
				sink.Recordf(audit.Error, "stderr read error: %v", err)
			}
			return
		}
	}
}
