package prog

import "flag"

// FlagSet wraps a [flag.FlagSet] and adds flags shared by more than one
// subprogram. Shared flags are registered lazily, the first time a
// subprogram asks for them, so that composing programs never registers a flag
// twice.
type FlagSet struct {
	*flag.FlagSet
	server *ServerFlags
}

// ServerFlags keeps flags that locate and configure the language server.
type ServerFlags struct {
	// Path to the language server binary.
	Path string
	// Path to the YAML config file.
	Config string
}

// ServerFlags returns the shared language server flags, registering them if
// this is the first call.
func (fs *FlagSet) ServerFlags() *ServerFlags {
	if fs.server == nil {
		var sf ServerFlags
		fs.StringVar(&sf.Path, "server", "",
			"Path or name of the language server binary")
		fs.StringVar(&sf.Config, "config", "",
			"Path to the config file; defaults to $XDG_CONFIG_HOME/lsptap/config.yaml")
		fs.server = &sf
	}
	return fs.server
}
