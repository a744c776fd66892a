// Package logging builds the structured logger shared by the CLI and the
// estimation engine.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Attribute keys used across the engine's log records.
const (
	ChannelKey  = "channel.index"
	TileKey     = "tile.index"
	TilesKey    = "tile.count"
	ModelKey    = "model.name"
	PhaseKey    = "ml.phase"
	SamplesKey  = "data.samples"
	FeaturesKey = "data.features"
	DurationKey = "perf.duration_ms"
	MemoryKey   = "perf.memory_ceiling"
	PathKey     = "io.path"
	RunKey      = "run.id"
)

const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// New returns a logger writing to w. FormatAuto picks the text handler for
// terminals and JSON otherwise.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	switch resolveFormat(w, format) {
	case FormatText:
		return slog.New(slog.NewTextHandler(w, opts))
	default:
		return slog.New(slog.NewJSONHandler(w, opts))
	}
}

// ParseLevel maps debug|info|warn|error to a level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func resolveFormat(w io.Writer, format string) string {
	switch format {
	case FormatText, FormatJSON:
		return format
	}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return FormatText
	}
	return FormatJSON
}
