package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvVar names the environment variable holding a log spec.
const EnvVar = "PVIO_LOG"

// Format selects the record encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat parses "text" (or empty) and "json".
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format %q", s)
	}
}

// Options selects the spec and output of a logger. When several
// specs are set the command line wins over the environment, which
// wins over the configuration file.
type Options struct {
	CLISpec    string
	EnvSpec    string
	ConfigSpec string
	Format     Format
	Output     io.Writer
}

func (o Options) spec() string {
	for _, s := range []string{o.CLISpec, o.EnvSpec, o.ConfigSpec} {
		if s != "" {
			return s
		}
	}
	return ""
}

// New builds a logger from opts.
func New(opts Options) (*slog.Logger, error) {
	spec, err := ParseSpec(opts.spec())
	if err != nil {
		return nil, fmt.Errorf("log spec: %w", err)
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: LevelTrace.Slog()}
	var h slog.Handler
	if opts.Format == FormatJSON {
		h = slog.NewJSONHandler(out, hopts)
	} else {
		h = slog.NewTextHandler(out, hopts)
	}
	return slog.New(NewFilter(h, spec)), nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
