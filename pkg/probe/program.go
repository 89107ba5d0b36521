package probe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lsp "github.com/sourcegraph/go-lsp"
	"src.lsptap.dev/pkg/config"
	"src.lsptap.dev/pkg/prog"
)

// Document used when the command line does not name one.
const (
	DefaultText = "el { div \"hello\" }\n"
	DefaultURI  = "file:///tmp/lsptap-probe.hudl"
)

// Program is the probe subprogram, run with -probe.
type Program struct {
	run    bool
	server *prog.ServerFlags

	file       string
	text       string
	uri        string
	languageID string
	expectDiag string
	format     bool
	field      string
	timeout    time.Duration
}

func (p *Program) RegisterFlags(fs *prog.FlagSet) {
	p.server = fs.ServerFlags()
	fs.BoolVar(&p.run, "probe", false,
		"Run a fixed request sequence against the server instead of proxying")
	fs.StringVar(&p.file, "file", "", "[probe] Open the content of this file")
	fs.StringVar(&p.text, "text", "", "[probe] Open this text")
	fs.StringVar(&p.uri, "uri", "", "[probe] URI of the opened document")
	fs.StringVar(&p.languageID, "language-id", "hudl", "[probe] Language ID of the opened document")
	fs.StringVar(&p.expectDiag, "expect-diagnostic", "",
		"[probe] Wait for a diagnostic whose message contains this text")
	fs.BoolVar(&p.format, "format", false, "[probe] Request formatting of the document")
	fs.StringVar(&p.field, "field", "",
		"[probe] Print this gjson path of the initialize result; fail if it is missing")
	fs.DurationVar(&p.timeout, "timeout", 10*time.Second, "[probe] Time limit of the whole probe")
}

func (p *Program) Run(fds [3]*os.File, args []string) error {
	if !p.run {
		return prog.ErrNextProgram
	}
	if p.file != "" && p.text != "" {
		return prog.BadUsage("-file and -text are mutually exclusive")
	}
	doc, err := p.document()
	if err != nil {
		return err
	}
	cfg, err := config.Resolve(config.Overrides{
		ConfigPath: p.server.Config,
		Server:     p.server.Path,
		Args:       args,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	fmt.Fprintln(fds[2], "Probing", cfg.Server)
	res, err := Run(ctx, cfg, Options{
		Document:         doc,
		ExpectDiagnostic: p.expectDiag,
		Format:           p.format,
		Field:            p.field,
		Log:              fds[2],
		Stderr:           fds[2],
	})
	if err != nil {
		fmt.Fprintln(fds[2], "FAILURE:", err)
		return prog.Exit(1)
	}
	if p.field != "" {
		fmt.Fprintln(fds[1], res.Field.String())
	}
	fmt.Fprintln(fds[2], "SUCCESS: LSP responded correctly")
	return nil
}

func (p *Program) document() (Document, error) {
	doc := Document{URI: lsp.DocumentURI(p.uri), LanguageID: p.languageID, Text: p.text}
	if p.file != "" {
		content, err := os.ReadFile(p.file)
		if err != nil {
			return Document{}, err
		}
		doc.Text = string(content)
		if doc.URI == "" {
			abs, err := filepath.Abs(p.file)
			if err != nil {
				return Document{}, err
			}
			doc.URI = fileURI(abs)
		}
	} else if doc.Text == "" {
		doc.Text = DefaultText
	}
	if doc.URI == "" {
		doc.URI = DefaultURI
	}
	return doc, nil
}
