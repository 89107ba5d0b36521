// Package config resolves where the language server binary and the audit log
// live.
//
// Settings come from, in order of decreasing precedence: command-line flags,
// environment variables, a YAML config file and built-in defaults. The config
// file looks like this:
//
//	server: ~/bin/hudl-lsp
//	args: [--stdio]
//	env:
//	  RUST_LOG: debug
//	audit: ~/.cache/lsptap/audit.log
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"src.lsptap.dev/pkg/env"
)

// Defaults used when nothing else names a value.
var (
	DefaultServer = "~/bin/hudl-lsp"
	DefaultAudit  = filepath.Join(os.TempDir(), "lsptap.log")
)

// Config is the effective configuration of one invocation.
type Config struct {
	// Server is the path or name of the language server binary.
	Server string `yaml:"server"`
	// Args are passed to the server.
	Args []string `yaml:"args"`
	// Env is added to the environment of the server.
	Env map[string]string `yaml:"env"`
	// Audit is the path of the audit log.
	Audit string `yaml:"audit"`
}

// Overrides keeps values given on the command line. Empty fields do not
// override anything.
type Overrides struct {
	ConfigPath string
	Server     string
	Audit      string
	Args       []string
}

// Resolve builds the effective configuration from overrides, the environment,
// the config file and the defaults. The server path is resolved with
// ResolveBinary; the audit path has "~" expanded.
//
// A missing config file is only an error when its path was given explicitly,
// either in o.ConfigPath or in $LSPTAP_CONFIG.
func Resolve(o Overrides) (*Config, error) {
	path, explicit := o.ConfigPath, o.ConfigPath != ""
	if !explicit {
		path, explicit = DefaultPath()
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, err
	}

	cfg.Server = firstNonEmpty(o.Server, os.Getenv(env.LSPTAP_SERVER), cfg.Server, DefaultServer)
	cfg.Audit = firstNonEmpty(o.Audit, os.Getenv(env.LSPTAP_AUDIT), cfg.Audit, DefaultAudit)
	if len(o.Args) > 0 {
		cfg.Args = o.Args
	}

	cfg.Server, err = ResolveBinary(cfg.Server)
	if err != nil {
		return nil, err
	}
	cfg.Audit = ExpandHome(cfg.Audit)
	return cfg, nil
}

// DefaultPath returns the path of the config file when none is given on the
// command line, and whether it was named explicitly by $LSPTAP_CONFIG.
func DefaultPath() (string, bool) {
	if p := os.Getenv(env.LSPTAP_CONFIG); p != "" {
		return p, true
	}
	dir := os.Getenv(env.XDG_CONFIG_HOME)
	if dir == "" {
		dir = filepath.Join("~", ".config")
	}
	return filepath.Join(ExpandHome(dir), "lsptap", "config.yaml"), false
}

// Load reads a config file. Unknown keys are an error. An empty file gives an
// empty Config.
func Load(path string) (*Config, error) {
	f, err := os.Open(ExpandHome(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Environ returns the environment for the server: the current environment
// with c.Env added.
func (c *Config) Environ() []string {
	environ := os.Environ()
	for k, v := range c.Env {
		environ = append(environ, k+"="+v)
	}
	return environ
}

// ResolveBinary turns a server path from any source into an absolute path. A
// leading "~" is expanded; a bare name without a path separator is looked up
// in $PATH.
func ResolveBinary(path string) (string, error) {
	path = ExpandHome(path)
	if !strings.ContainsRune(path, filepath.Separator) && !strings.ContainsRune(path, '/') {
		found, err := exec.LookPath(path)
		if err != nil {
			return "", fmt.Errorf("cannot find server: %w", err)
		}
		path = found
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve server path: %w", err)
	}
	return abs, nil
}

// ExpandHome replaces a leading "~" with the home directory. Paths that do
// not start with "~" or "~/", or when the home directory is unknown, are
// returned unchanged.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
