// Package lsp implements a minimal language server.
//
// The server understands just enough of the protocol to drive lsptap end to
// end: it publishes a diagnostic for every line containing "error", formats
// documents by trimming trailing whitespace, and logs every method it sees to
// stderr. lsptap's tests run it as the child process.
package lsp

import (
	"context"
	"errors"
	"io"

	"github.com/sourcegraph/jsonrpc2"
)

// ErrExitWithoutShutdown is returned by Serve when the client sends "exit"
// before "shutdown". Per the protocol, the server then exits with code 1.
var ErrExitWithoutShutdown = errors.New("exit received before shutdown")

// Serve runs the language server over in and out, until the client sends
// "exit" or closes the connection. A line is written to stderr for every
// message received.
func Serve(ctx context.Context, in io.ReadCloser, out io.WriteCloser, stderr io.Writer) error {
	return serve(ctx, newServer(stderr), in, out)
}

// FloodURI is the document ServeFlooding publishes diagnostics for.
const FloodURI = "file:///flood.hudl"

// ServeFlooding is like Serve, but before answering "initialize" it publishes
// n diagnostics notifications for FloodURI.
func ServeFlooding(ctx context.Context, in io.ReadCloser, out io.WriteCloser, stderr io.Writer, n int) error {
	s := newServer(stderr)
	s.flood = n
	return serve(ctx, s, in, out)
}

func serve(ctx context.Context, s *server, in io.ReadCloser, out io.WriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn := jsonrpc2.NewConn(ctx,
		jsonrpc2.NewBufferedStream(transport{in, out}, jsonrpc2.VSCodeObjectCodec{}),
		handler(s))
	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		conn.Close()
		<-conn.DisconnectNotify()
	}
	if s.exited && !s.shutdown {
		return ErrExitWithoutShutdown
	}
	return nil
}

type transport struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (c transport) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c transport) Write(p []byte) (int, error) { return c.out.Write(p) }

func (c transport) Close() error {
	if err := c.in.Close(); err != nil {
		c.out.Close()
		return err
	}
	return c.out.Close()
}
