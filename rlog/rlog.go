// Package rlog sets up the resolver's structured logger.
package rlog

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Format selects the log encoding.
type Format string

const (
	// FormatAuto picks tint for a terminal and JSON otherwise.
	FormatAuto Format = "auto"
	FormatTint Format = "tint"
	FormatJSON Format = "json"
)

// Setup installs the default slog logger at the given level and format,
// writing to w (os.Stderr if nil).
func Setup(level slog.Level, format Format, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	if format == FormatAuto {
		format = FormatJSON
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = FormatTint
		}
	}

	var h slog.Handler
	switch format {
	case FormatTint:
		tw := w
		if f, ok := w.(*os.File); ok {
			tw = colorable.NewColorable(f)
		}
		h = tint.NewHandler(tw, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	default:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	l := slog.New(h)
	slog.SetDefault(l)
	return l
}
