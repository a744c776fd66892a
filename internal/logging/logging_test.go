package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewNonTerminalDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo, FormatAuto)
	logger.Info("fit", ChannelKey, 2, ModelKey, "Lasso")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected json record, got %q: %v", buf.String(), err)
	}
	if record[ChannelKey] != float64(2) || record[ModelKey] != "Lasso" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestNewTextFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, ParseLevel("warn"), FormatText)
	logger.Info("hidden")
	logger.Warn("shown", TileKey, 7)

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "tile.index=7") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
