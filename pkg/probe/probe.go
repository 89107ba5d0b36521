// Package probe drives a language server through a fixed request sequence
// and reports whether it responded as expected. It checks a server without an
// editor in the loop.
//
// The sequence is: initialize, initialized, textDocument/didOpen, optionally
// waiting for a matching diagnostic, optionally textDocument/formatting, then
// shutdown and exit.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lsp "github.com/sourcegraph/go-lsp"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"src.lsptap.dev/pkg/config"
	"src.lsptap.dev/pkg/logutil"
)

var logger = logutil.GetLogger("[probe] ")

// ErrNoDiagnostic is returned when the expected diagnostic was not published
// before the deadline.
var ErrNoDiagnostic = errors.New("did not find expected diagnostic")

// Document is the document opened during a probe.
type Document struct {
	URI        lsp.DocumentURI
	LanguageID string
	Text       string
}

// Options configures a probe.
type Options struct {
	Document Document
	// If not empty, wait for a diagnostic on the document whose message
	// contains this text.
	ExpectDiagnostic string
	// Request formatting of the document.
	Format bool
	// If not empty, a gjson path that must exist in the initialize result.
	Field string
	// Progress and responses are written here.
	Log io.Writer
	// The server's stderr is connected here.
	Stderr io.Writer
}

// Result keeps what the server answered.
type Result struct {
	Initialize  json.RawMessage
	Field       gjson.Result
	Diagnostics []lsp.Diagnostic
	Edits       []lsp.TextEdit
}

// Run spawns the server named by cfg and runs the probe sequence. The context
// bounds the whole probe, including waiting for diagnostics.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*Result, error) {
	if opts.Log == nil {
		opts.Log = io.Discard
	}
	c, err := start(ctx, cfg, opts.Stderr)
	if err != nil {
		return nil, err
	}
	defer c.close()

	res := &Result{}
	p := &prober{c, opts, res}
	if err := p.run(ctx); err != nil {
		return res, err
	}
	return res, nil
}

type prober struct {
	c    *client
	opts Options
	res  *Result
}

func (p *prober) run(ctx context.Context) error {
	conn, log := p.c.conn, p.opts.Log

	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	fmt.Fprintln(log, ">>> Sending: initialize")
	err = conn.Call(ctx, "initialize", lsp.InitializeParams{
		ProcessID:    os.Getpid(),
		RootURI:      fileURI(wd),
		Capabilities: lsp.ClientCapabilities{},
	}, &p.res.Initialize)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	fmt.Fprintf(log, "<<< Initialize response: %s", pretty.Pretty(p.res.Initialize))

	if p.opts.Field != "" {
		p.res.Field = gjson.GetBytes(p.res.Initialize, p.opts.Field)
		if !p.res.Field.Exists() {
			return fmt.Errorf("field %q not found in initialize response", p.opts.Field)
		}
	}

	fmt.Fprintln(log, ">>> Sending: initialized")
	if err := conn.Notify(ctx, "initialized", struct{}{}); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}

	doc := p.opts.Document
	fmt.Fprintln(log, ">>> Sending: textDocument/didOpen")
	err = conn.Notify(ctx, "textDocument/didOpen", lsp.DidOpenTextDocumentParams{
		TextDocument: lsp.TextDocumentItem{
			URI: doc.URI, LanguageID: doc.LanguageID, Version: 1, Text: doc.Text},
	})
	if err != nil {
		return fmt.Errorf("didOpen: %w", err)
	}

	if want := p.opts.ExpectDiagnostic; want != "" {
		fmt.Fprintln(log, "Waiting for diagnostics...")
		if err := p.waitDiagnostic(ctx, want); err != nil {
			return err
		}
	}

	if p.opts.Format {
		fmt.Fprintln(log, ">>> Sending: textDocument/formatting")
		var raw json.RawMessage
		err := conn.Call(ctx, "textDocument/formatting", lsp.DocumentFormattingParams{
			TextDocument: lsp.TextDocumentIdentifier{URI: doc.URI},
			Options:      lsp.FormattingOptions{TabSize: 4, InsertSpaces: true},
		}, &raw)
		if err != nil {
			return fmt.Errorf("formatting: %w", err)
		}
		fmt.Fprintf(log, "<<< Formatting response: %s", pretty.Pretty(raw))
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p.res.Edits); err != nil {
				return fmt.Errorf("formatting: %w", err)
			}
		}
	}

	fmt.Fprintln(log, ">>> Sending: shutdown")
	if err := conn.Call(ctx, "shutdown", nil, nil); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Fprintln(log, ">>> Sending: exit")
	if err := conn.Notify(ctx, "exit", nil); err != nil {
		return fmt.Errorf("exit: %w", err)
	}
	return nil
}

// waitDiagnostic waits until the diagnostics most recently published for the
// document contain one whose message contains want. Each publication replaces
// the previous one, so only the latest set is checked.
func (p *prober) waitDiagnostic(ctx context.Context, want string) error {
	seen := 0
	for {
		if d, ok := p.c.latestDiagnostics(p.opts.Document.URI); ok && d.seq != seen {
			seen = d.seq
			fmt.Fprintf(p.opts.Log, "<<< Diagnostics: %s", pretty.Pretty(mustMarshal(d.params)))
			p.res.Diagnostics = d.params.Diagnostics
			for _, diag := range d.params.Diagnostics {
				if strings.Contains(diag.Message, want) {
					return nil
				}
			}
		}
		select {
		case <-p.c.published:
		case <-p.c.conn.DisconnectNotify():
			return fmt.Errorf("%w %q: server disconnected", ErrNoDiagnostic, want)
		case <-ctx.Done():
			return fmt.Errorf("%w %q: %v", ErrNoDiagnostic, want, ctx.Err())
		}
	}
}

// client is a connection to a spawned server.
type client struct {
	cmd    *exec.Cmd
	conn   *jsonrpc2.Conn
	exited chan struct{}

	// The handler runs on the connection's read loop and must not block, so
	// it only stores the latest diagnostics per document and signals
	// published without waiting.
	mu          sync.Mutex
	diagnostics map[lsp.DocumentURI]publication
	published   chan struct{}
}

type publication struct {
	params lsp.PublishDiagnosticsParams
	// Increases with every publication for the same document, starting at 1.
	seq int
}

func start(ctx context.Context, cfg *config.Config, stderr io.Writer) (*client, error) {
	cmd := exec.Command(cfg.Server, cfg.Args...)
	cmd.Env = cfg.Environ()
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}
	logger.Printf("started %s, pid %d", cfg.Server, cmd.Process.Pid)

	c := &client{
		cmd:         cmd,
		exited:      make(chan struct{}),
		diagnostics: make(map[lsp.DocumentURI]publication),
		published:   make(chan struct{}, 1),
	}
	c.conn = jsonrpc2.NewConn(ctx,
		jsonrpc2.NewBufferedStream(pipes{stdout, stdin}, jsonrpc2.VSCodeObjectCodec{}),
		jsonrpc2.HandlerWithError(c.handle))
	go func() {
		// Wait closes stdout, so wait for the connection to end first.
		<-c.conn.DisconnectNotify()
		err := cmd.Wait()
		logger.Println("server exited:", err)
		close(c.exited)
	}()
	return c, nil
}

// handle answers requests from the server with null, and collects
// diagnostics.
func (c *client) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	logger.Println("server sent", req.Method)
	if req.Method != "textDocument/publishDiagnostics" || req.Params == nil {
		return nil, nil
	}
	var params lsp.PublishDiagnosticsParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.diagnostics[params.URI] = publication{params, c.diagnostics[params.URI].seq + 1}
	c.mu.Unlock()
	select {
	case c.published <- struct{}{}:
	default:
	}
	return nil, nil
}

func (c *client) latestDiagnostics(uri lsp.DocumentURI) (publication, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.diagnostics[uri]
	return d, ok
}

// The time a server gets to exit by itself after the connection is closed.
var exitGrace = 2 * time.Second

// close closes the connection, which closes the server's stdin, and waits for
// the server to exit. A server that outlives exitGrace is killed.
func (c *client) close() {
	c.conn.Close()
	select {
	case <-c.exited:
		return
	case <-time.After(exitGrace):
	}
	logger.Println("server still running, killing it")
	c.cmd.Process.Kill()
	<-c.exited
}

type pipes struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (p pipes) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipes) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p pipes) Close() error {
	if err := p.w.Close(); err != nil {
		p.r.Close()
		return err
	}
	return p.r.Close()
}

func fileURI(path string) lsp.DocumentURI {
	return lsp.DocumentURI("file://" + filepath.ToSlash(path))
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
