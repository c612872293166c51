// Package logging builds the service's slog.Logger on a charmbracelet/log handler.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

type Config struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Env struct {
	Level  string
	Format string
}

func (c *Config) Finalize(env *Env) error {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if env != nil {
		if v := os.Getenv(env.Level); env.Level != "" && v != "" {
			c.Level = v
		}
		if v := os.Getenv(env.Format); env.Format != "" && v != "" {
			c.Format = v
		}
	}
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))

	if _, err := log.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("unsupported log level %q", c.Level)
	}
	if _, err := formatter(c.Format); err != nil {
		return err
	}
	return nil
}

// Merge overwrites non-zero fields from overlay.
func (c *Config) Merge(overlay *Config) {
	if overlay.Level != "" {
		c.Level = overlay.Level
	}
	if overlay.Format != "" {
		c.Format = overlay.Format
	}
}

// New returns a logger writing to w. A nil w means stderr.
func New(cfg *Config, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}
	f, err := formatter(cfg.Format)
	if err != nil {
		return nil, err
	}

	handler := log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		Formatter:       f,
	})
	return slog.New(handler), nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(log.NewWithOptions(io.Discard, log.Options{}))
}

func formatter(format string) (log.Formatter, error) {
	switch format {
	case "text", "":
		return log.TextFormatter, nil
	case "json":
		return log.JSONFormatter, nil
	case "logfmt":
		return log.LogfmtFormatter, nil
	default:
		return 0, fmt.Errorf("unsupported log format %q", format)
	}
}
