package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	lsp "github.com/sourcegraph/go-lsp"
	"github.com/sourcegraph/jsonrpc2"
)

var (
	errMethodNotFound = &jsonrpc2.Error{
		Code: jsonrpc2.CodeMethodNotFound, Message: "method not found"}
	errInvalidParams = &jsonrpc2.Error{
		Code: jsonrpc2.CodeInvalidParams, Message: "invalid params"}
)

type server struct {
	stderr   io.Writer
	content  map[lsp.DocumentURI]string
	shutdown bool
	exited   bool
	// Number of diagnostics notifications sent before answering initialize.
	flood int
}

func newServer(stderr io.Writer) *server {
	return &server{stderr: stderr, content: make(map[lsp.DocumentURI]string)}
}

func handler(s *server) jsonrpc2.Handler {
	return routingHandler(s.stderr, map[string]method{
		"initialize":              s.initialize,
		"textDocument/didOpen":    s.didOpen,
		"textDocument/didChange":  s.didChange,
		"textDocument/formatting": s.formatting,
		"shutdown":                s.shutdownRequest,
		"exit":                    s.exit,

		"textDocument/didClose": noop,
		// Required by spec.
		"initialized": noop,
		// Called by clients even when server doesn't advertise support:
		// https://microsoft.github.io/language-server-protocol/specification#workspace_didChangeWatchedFiles
		"workspace/didChangeWatchedFiles": noop,
	})
}

type method func(context.Context, *jsonrpc2.Conn, json.RawMessage) (any, error)

func noop(_ context.Context, _ *jsonrpc2.Conn, _ json.RawMessage) (any, error) {
	return nil, nil
}

func routingHandler(stderr io.Writer, methods map[string]method) jsonrpc2.Handler {
	return jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		fmt.Fprintln(stderr, "lsp: received", req.Method)
		fn, ok := methods[req.Method]
		if !ok {
			return nil, errMethodNotFound
		}
		var params json.RawMessage
		if req.Params != nil {
			params = *req.Params
		}
		return fn(ctx, conn, params)
	})
}

// Handler implementations. These are all called synchronously.

func (s *server) initialize(ctx context.Context, conn *jsonrpc2.Conn, _ json.RawMessage) (any, error) {
	for i := 0; i < s.flood; i++ {
		publishDiagnostics(ctx, conn, FloodURI, fmt.Sprintf("error %d\n", i))
	}
	return &lsp.InitializeResult{
		Capabilities: lsp.ServerCapabilities{
			TextDocumentSync: &lsp.TextDocumentSyncOptionsOrKind{
				Options: &lsp.TextDocumentSyncOptions{
					OpenClose: true,
					Change:    lsp.TDSKFull,
				},
			},
			DocumentFormattingProvider: true,
		},
	}, nil
}

func (s *server) didOpen(ctx context.Context, conn *jsonrpc2.Conn, rawParams json.RawMessage) (any, error) {
	var params lsp.DidOpenTextDocumentParams
	if json.Unmarshal(rawParams, &params) != nil {
		return nil, errInvalidParams
	}

	uri, content := params.TextDocument.URI, params.TextDocument.Text
	s.content[uri] = content
	publishDiagnostics(ctx, conn, uri, content)
	return nil, nil
}

func (s *server) didChange(ctx context.Context, conn *jsonrpc2.Conn, rawParams json.RawMessage) (any, error) {
	var params lsp.DidChangeTextDocumentParams
	if json.Unmarshal(rawParams, &params) != nil || len(params.ContentChanges) == 0 {
		return nil, errInvalidParams
	}

	// ContentChanges includes full text since the server is only advertised to
	// support that; see the initialize method.
	uri, content := params.TextDocument.URI, params.ContentChanges[0].Text
	s.content[uri] = content
	publishDiagnostics(ctx, conn, uri, content)
	return nil, nil
}

func (s *server) formatting(_ context.Context, _ *jsonrpc2.Conn, rawParams json.RawMessage) (any, error) {
	var params lsp.DocumentFormattingParams
	if json.Unmarshal(rawParams, &params) != nil {
		return nil, errInvalidParams
	}
	return formatEdits(s.content[params.TextDocument.URI]), nil
}

func (s *server) shutdownRequest(_ context.Context, _ *jsonrpc2.Conn, _ json.RawMessage) (any, error) {
	s.shutdown = true
	return nil, nil
}

func (s *server) exit(_ context.Context, conn *jsonrpc2.Conn, _ json.RawMessage) (any, error) {
	s.exited = true
	// exit is a notification, so there is no reply to write before closing.
	go conn.Close()
	return nil, nil
}

func publishDiagnostics(ctx context.Context, conn *jsonrpc2.Conn, uri lsp.DocumentURI, content string) {
	conn.Notify(ctx, "textDocument/publishDiagnostics",
		lsp.PublishDiagnosticsParams{URI: uri, Diagnostics: diagnostics(content)})
}

func diagnostics(content string) []lsp.Diagnostic {
	diags := []lsp.Diagnostic{}
	for i, line := range strings.Split(content, "\n") {
		if !strings.Contains(line, "error") {
			continue
		}
		diags = append(diags, lsp.Diagnostic{
			Range: lsp.Range{
				Start: lsp.Position{Line: i, Character: 0},
				End:   lsp.Position{Line: i, Character: len(line)},
			},
			Severity: lsp.Error,
			Source:   "lsptap",
			Message:  fmt.Sprintf("Syntax error on line %d: %s", i+1, strings.TrimSpace(line)),
		})
	}
	return diags
}

// formatEdits returns one edit per line with trailing whitespace, removing
// that whitespace. Characters are counted in bytes, which is exact for ASCII
// documents.
func formatEdits(content string) []lsp.TextEdit {
	edits := []lsp.TextEdit{}
	for i, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimRight(line, " \t")
		if len(trimmed) == len(line) {
			continue
		}
		edits = append(edits, lsp.TextEdit{
			Range: lsp.Range{
				Start: lsp.Position{Line: i, Character: len(trimmed)},
				End:   lsp.Position{Line: i, Character: len(line)},
			},
			NewText: "",
		})
	}
	return edits
}
