package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bleedthrough/internal/imageio"
	"bleedthrough/internal/stats"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	workdir := t.TempDir()
	if err := os.Chdir(workdir); err != nil {
		t.Fatalf("chdir tempdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(origWD)
	})
	return workdir
}

func writeChannels(t *testing.T, dir string) []string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	shape := imageio.Shape{Z: 1, Y: 48, X: 48}
	rng := rand.New(rand.NewSource(5))
	base := [][]float64{make([]float64, shape.Size()), make([]float64, shape.Size())}
	for i := range base[0] {
		base[0][i] = rng.Float64() * 40000
		base[1][i] = rng.Float64() * 40000
	}
	mixed := make([]float64, shape.Size())
	for i := range mixed {
		mixed[i] = 0.4*base[0][i] + 0.2*base[1][i]
	}

	paths := make([]string, 0, 3)
	for i, data := range [][]float64{base[0], mixed, base[1]} {
		path := filepath.Join(dir, "well_ch"+string(rune('0'+i))+".tif")
		w, err := imageio.Create(path, imageio.Metadata{Shape: shape, DType: imageio.Uint16})
		if err != nil {
			t.Fatalf("create %s: %v", path, err)
		}
		if err := w.Write(shape.Box(), data); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		if err := w.Commit(); err != nil {
			t.Fatalf("commit %s: %v", path, err)
		}
		paths = append(paths, path)
	}
	return paths
}

func captureStdout(fn func() error) (string, error) {
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}

	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		_ = r.Close()
		return "", err
	}
	_ = r.Close()
	return buf.String(), runErr
}

func TestRunCommandWritesComponentsAndArtifacts(t *testing.T) {
	workdir := chdirTemp(t)
	inputs := writeChannels(t, filepath.Join(workdir, "in"))

	args := append([]string{
		"run",
		"--store", "memory",
		"--out", "out",
		"--tile-size", "16",
		"--selection", "all",
		"--workers", "2",
		"--seed", "3",
		"--log-level", "error",
	}, inputs...)
	output, err := captureStdout(func() error {
		return run(context.Background(), args)
	})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if !strings.Contains(output, "run completed") || !strings.Contains(output, "failed=0") {
		t.Fatalf("unexpected run output: %s", output)
	}
	for _, name := range []string{"well_ch0.btt", "well_ch1.btt", "well_ch2.btt", "well_ch_coefficients.csv"} {
		if _, err := os.Stat(filepath.Join("out", name)); err != nil {
			t.Fatalf("expected output %s: %v", name, err)
		}
	}

	entries, err := stats.ListRunIndex(runsDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one indexed run, got %d", len(entries))
	}
	runID := entries[0].RunID
	for _, file := range []string{"config.json", "manifest.json", "well_ch_coefficients.csv"} {
		if _, err := os.Stat(filepath.Join(runsDir, runID, file)); err != nil {
			t.Fatalf("expected artifact %s: %v", file, err)
		}
	}

	csv, err := captureStdout(func() error {
		return run(context.Background(), []string{"coefficients", "--store", "memory", "--run-id", runID})
	})
	if err != nil {
		t.Fatalf("coefficients command: %v", err)
	}
	rows, err := stats.ReadCoefficientsCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("parse printed csv: %v", err)
	}
	if len(rows) != 3 || len(rows[0]) != 6 {
		t.Fatalf("unexpected coefficient matrix shape: %d rows", len(rows))
	}

	listing, err := captureStdout(func() error {
		return run(context.Background(), []string{"runs", "--store", "memory", "--json"})
	})
	if err != nil {
		t.Fatalf("runs command: %v", err)
	}
	var items []struct {
		RunID    string `json:"run_id"`
		Channels int    `json:"channels"`
	}
	if err := json.Unmarshal([]byte(listing), &items); err != nil {
		t.Fatalf("decode runs json: %v", err)
	}
	if len(items) != 1 || items[0].RunID != runID || items[0].Channels != 3 {
		t.Fatalf("unexpected runs listing: %+v", items)
	}

	exported, err := captureStdout(func() error {
		return run(context.Background(), []string{"export", "--store", "memory", "--latest"})
	})
	if err != nil {
		t.Fatalf("export command: %v", err)
	}
	if !strings.Contains(exported, "exported run_id="+runID) {
		t.Fatalf("unexpected export output: %s", exported)
	}
	if _, err := os.Stat(filepath.Join(exportsDir, runID, "manifest.json")); err != nil {
		t.Fatalf("expected exported manifest: %v", err)
	}
}

func TestRunCommandUsesConfigFile(t *testing.T) {
	workdir := chdirTemp(t)
	inputs := writeChannels(t, filepath.Join(workdir, "in"))
	configPath := writeConfig(t, map[string]any{
		"name":           "cfg",
		"inputs":         inputs,
		"output_dir":     "components",
		"output_format":  "tif",
		"tile_size":      16,
		"selection":      "variance",
		"training_tiles": 3,
		"model":          "ElasticNet",
	})

	_, err := captureStdout(func() error {
		return run(context.Background(), []string{"run", "--store", "memory", "--log-level", "error", "--config", configPath})
	})
	if err != nil {
		t.Fatalf("run with config: %v", err)
	}
	for _, name := range []string{"well_ch0.tif", "well_ch1.tif", "well_ch2.tif", "cfg_coefficients.csv"} {
		if _, err := os.Stat(filepath.Join("components", name)); err != nil {
			t.Fatalf("expected output %s: %v", name, err)
		}
	}
}

func TestInspectCommand(t *testing.T) {
	workdir := chdirTemp(t)
	inputs := writeChannels(t, filepath.Join(workdir, "in"))

	output, err := captureStdout(func() error {
		return run(context.Background(), []string{"inspect", "--store", "memory", inputs[0]})
	})
	if err != nil {
		t.Fatalf("inspect command: %v", err)
	}
	if !strings.Contains(output, "shape=1x48x48") || !strings.Contains(output, "dtype=uint16") {
		t.Fatalf("unexpected inspect output: %s", output)
	}
}

func TestRunCommandErrors(t *testing.T) {
	chdirTemp(t)
	cases := map[string][]string{
		"missing command": nil,
		"unknown command": {"bogus"},
		"no inputs":       {"run", "--store", "memory", "--out", "out"},
		"single input":    {"run", "--store", "memory", "--out", "out", "a.tif"},
		"bad memory":      {"run", "--store", "memory", "--out", "out", "--memory", "nope", "a.tif", "b.tif"},
		"runs limit":      {"runs", "--store", "memory", "--limit", "0"},
		"export both":     {"export", "--store", "memory", "--run-id", "x", "--latest"},
		"export neither":  {"export", "--store", "memory"},
		"inspect nothing": {"inspect", "--store", "memory"},
	}
	for name, args := range cases {
		if err := run(context.Background(), args); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
