// Package frame reads and writes messages in the base protocol of the
// Language Server Protocol.
//
// A message is a header block terminated by "\r\n\r\n", followed by a body
// whose length in bytes is given by the Content-Length header:
//
//	Content-Length: 14\r\n
//	\r\n
//	{"id":1,"x":1}
//
// The body is treated as opaque bytes. The reader never interprets it and
// never fails on a malformed header: a missing or unparseable Content-Length
// is read as 0, so the message is just its header block.
package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Message is one framed protocol message.
type Message struct {
	// Header is the raw header block, including the terminating "\r\n\r\n".
	Header []byte
	// ContentLength is the body length declared by the header.
	ContentLength int
	// Body has exactly ContentLength bytes.
	Body []byte
}

// Bytes returns the message as it appeared on the wire.
func (m *Message) Bytes() []byte {
	b := make([]byte, 0, len(m.Header)+len(m.Body))
	b = append(b, m.Header...)
	return append(b, m.Body...)
}

var headerTerminator = []byte("\r\n\r\n")

// Reader reads messages from a byte stream. Bytes buffered past the end of one
// message are kept for the next call to Read, so a Reader must be used for the
// whole life of a stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a Reader reading from r.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{br}
	}
	return &Reader{bufio.NewReader(r)}
}

// Read reads one complete message. It returns io.EOF if the stream ends before
// a complete message has been read, either in the header or in the body; the
// partial data is discarded. Other read errors are returned as is.
func (r *Reader) Read() (*Message, error) {
	var header []byte
	for !bytes.HasSuffix(header, headerTerminator) {
		b, err := r.r.ReadByte()
		if err != nil {
			return nil, err
		}
		header = append(header, b)
	}

	n := ContentLength(header)
	if n == 0 {
		return &Message{Header: header, Body: []byte{}}, nil
	}

	// CopyN grows the buffer as data arrives, so a bogus length does not
	// allocate ahead of the stream.
	var body bytes.Buffer
	_, err := io.CopyN(&body, r.r, int64(n))
	if err != nil {
		return nil, err
	}
	return &Message{Header: header, ContentLength: n, Body: body.Bytes()}, nil
}

// ContentLength returns the value of the first Content-Length field in a
// header block. Field names are matched case-insensitively on the text before
// the first colon. A missing field, or a value that is not a non-negative
// base-10 integer, gives 0.
func ContentLength(header []byte) int {
	text := strings.ToValidUTF8(string(header), "\uFFFD")
	for _, line := range strings.Split(text, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(name, "content-length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return 0
}

// Write writes body as a message with a Content-Length header.
func Write(w io.Writer, body []byte) error {
	_, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(body), body)
	return err
}

// IsEndOfStream reports whether err marks the end of a stream rather than a
// failure: io.EOF, or a pipe or file that has been closed on our side.
func IsEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}
