package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	lsp "github.com/sourcegraph/go-lsp"
	"github.com/sourcegraph/jsonrpc2"
	"src.lsptap.dev/pkg/testutil"
)

type fixture struct {
	conn    *jsonrpc2.Conn
	diags   chan lsp.PublishDiagnosticsParams
	stderr  *syncBuffer
	served  chan error
	cleanup func()
}

func setup(t *testing.T) *fixture { return setupFlooding(t, 0) }

func setupFlooding(t *testing.T, flood int) *fixture {
	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()
	f := &fixture{
		diags:  make(chan lsp.PublishDiagnosticsParams, 10),
		stderr: &syncBuffer{},
		served: make(chan error, 1),
	}
	go func() {
		f.served <- ServeFlooding(context.Background(), serverIn, serverOut, f.stderr, flood)
	}()
	f.conn = jsonrpc2.NewConn(context.Background(),
		jsonrpc2.NewBufferedStream(transport{clientIn, clientOut}, jsonrpc2.VSCodeObjectCodec{}),
		jsonrpc2.HandlerWithError(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
			if req.Method == "textDocument/publishDiagnostics" && req.Params != nil {
				var params lsp.PublishDiagnosticsParams
				if json.Unmarshal(*req.Params, &params) == nil {
					f.diags <- params
				}
			}
			return nil, nil
		}))
	t.Cleanup(func() { f.conn.Close() })
	return f
}

func (f *fixture) waitServed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.served:
		return err
	case <-time.After(testutil.Scaled(5 * time.Second)):
		t.Fatal("server did not exit")
		return nil
	}
}

func (f *fixture) nextDiagnostics(t *testing.T) lsp.PublishDiagnosticsParams {
	t.Helper()
	select {
	case d := <-f.diags:
		return d
	case <-time.After(testutil.Scaled(5 * time.Second)):
		t.Fatal("no diagnostics published")
		return lsp.PublishDiagnosticsParams{}
	}
}

func TestServe_Session(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var init lsp.InitializeResult
	if err := f.conn.Call(ctx, "initialize", lsp.InitializeParams{}, &init); err != nil {
		t.Fatalf("initialize -> %v", err)
	}
	if !init.Capabilities.DocumentFormattingProvider {
		t.Errorf("formatting provider not advertised")
	}
	f.conn.Notify(ctx, "initialized", struct{}{})

	f.conn.Notify(ctx, "textDocument/didOpen", lsp.DidOpenTextDocumentParams{
		TextDocument: lsp.TextDocumentItem{
			URI: "file:///a.hudl", Text: "ok  \nan error here\nfine"}})
	got := f.nextDiagnostics(t)
	want := lsp.PublishDiagnosticsParams{
		URI: "file:///a.hudl",
		Diagnostics: []lsp.Diagnostic{{
			Range: lsp.Range{
				Start: lsp.Position{Line: 1, Character: 0},
				End:   lsp.Position{Line: 1, Character: 13}},
			Severity: lsp.Error,
			Source:   "lsptap",
			Message:  "Syntax error on line 2: an error here",
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("diagnostics (-want +got):\n%s", diff)
	}

	var edits []lsp.TextEdit
	err := f.conn.Call(ctx, "textDocument/formatting", lsp.DocumentFormattingParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: "file:///a.hudl"}}, &edits)
	if err != nil {
		t.Fatalf("formatting -> %v", err)
	}
	wantEdits := []lsp.TextEdit{{Range: lsp.Range{
		Start: lsp.Position{Line: 0, Character: 2},
		End:   lsp.Position{Line: 0, Character: 4}}}}
	if diff := cmp.Diff(wantEdits, edits); diff != "" {
		t.Errorf("edits (-want +got):\n%s", diff)
	}

	if err := f.conn.Call(ctx, "shutdown", nil, nil); err != nil {
		t.Fatalf("shutdown -> %v", err)
	}
	f.conn.Notify(ctx, "exit", nil)
	if err := f.waitServed(t); err != nil {
		t.Errorf("Serve -> %v, want nil", err)
	}
	if log := f.stderr.String(); !strings.Contains(log, "lsp: received initialize\n") ||
		!strings.Contains(log, "lsp: received exit\n") {
		t.Errorf("stderr log is %q, want lines for initialize and exit", log)
	}
}

func TestServeFlooding(t *testing.T) {
	f := setupFlooding(t, 3)

	if err := f.conn.Call(context.Background(), "initialize", lsp.InitializeParams{}, nil); err != nil {
		t.Fatalf("initialize -> %v", err)
	}
	for i := 0; i < 3; i++ {
		got := f.nextDiagnostics(t)
		if got.URI != FloodURI || len(got.Diagnostics) != 1 {
			t.Fatalf("got diagnostics %v, want one for %v", got, FloodURI)
		}
		if want := fmt.Sprintf("Syntax error on line 1: error %d", i); got.Diagnostics[0].Message != want {
			t.Errorf("got message %q, want %q", got.Diagnostics[0].Message, want)
		}
	}
}

func TestServe_DidChangePublishesDiagnostics(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.conn.Notify(ctx, "textDocument/didChange", lsp.DidChangeTextDocumentParams{
		TextDocument: lsp.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: lsp.TextDocumentIdentifier{URI: "file:///b"}},
		ContentChanges: []lsp.TextDocumentContentChangeEvent{{Text: "error"}},
	})
	if got := f.nextDiagnostics(t); len(got.Diagnostics) != 1 {
		t.Errorf("got %d diagnostics, want 1", len(got.Diagnostics))
	}
}

func TestServe_UnknownMethod(t *testing.T) {
	f := setup(t)
	err := f.conn.Call(context.Background(), "no/such/method", nil, nil)
	rpcErr, ok := err.(*jsonrpc2.Error)
	if !ok || rpcErr.Code != jsonrpc2.CodeMethodNotFound {
		t.Errorf("unknown method -> %v, want method not found", err)
	}
}

func TestServe_ExitWithoutShutdown(t *testing.T) {
	f := setup(t)
	f.conn.Notify(context.Background(), "exit", nil)
	if err := f.waitServed(t); err != ErrExitWithoutShutdown {
		t.Errorf("Serve -> %v, want ErrExitWithoutShutdown", err)
	}
}

func TestServe_ClientDisconnects(t *testing.T) {
	f := setup(t)
	f.conn.Close()
	if err := f.waitServed(t); err != nil {
		t.Errorf("Serve -> %v, want nil", err)
	}
}

type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}
