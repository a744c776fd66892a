package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bleedthrough/internal/model"
)

const (
	runIndexFile = "run_index.json"
	configFile   = "config.json"
	manifestFile = "manifest.json"
)

type RunConfig struct {
	RunID          string   `json:"run_id"`
	Name           string   `json:"name"`
	Model          string   `json:"model"`
	ChannelOverlap int      `json:"channel_overlap"`
	KernelSize     int      `json:"kernel_size"`
	MemoryCeiling  int      `json:"memory_ceiling"`
	TileSize       int      `json:"tile_size"`
	Workers        int      `json:"workers"`
	Seed           int64    `json:"seed"`
	Selection      string   `json:"selection"`
	TrainingTiles  int      `json:"training_tiles"`
	OutputFormat   string   `json:"output_format"`
	Compression    string   `json:"compression,omitempty"`
	Inputs         []string `json:"inputs"`
	OutputDir      string   `json:"output_dir"`
}

// Manifest records what a run produced: the channels it read, the tiles it
// trained on and one report per channel.
type Manifest struct {
	RunID         string                `json:"run_id"`
	CreatedAtUTC  string                `json:"created_at_utc"`
	Channels      []model.Channel       `json:"channels"`
	TrainingTiles []model.TileBox       `json:"training_tiles"`
	Reports       []model.ChannelReport `json:"reports"`
	Coefficients  string                `json:"coefficients_csv"`
}

type RunArtifacts struct {
	Config       RunConfig
	Manifest     Manifest
	Coefficients [][]float64
}

type RunIndexEntry struct {
	RunID        string `json:"run_id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	Channels     int    `json:"channels"`
	Failed       int    `json:"failed"`
	OutputDir    string `json:"output_dir"`
	CreatedAtUTC string `json:"created_at_utc"`
}

// CoefficientsFileName is the CSV name for a run named name.
func CoefficientsFileName(name string) string {
	if strings.TrimSpace(name) == "" {
		name = "image"
	}
	return name + "_coefficients.csv"
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	csvName := CoefficientsFileName(artifacts.Config.Name)
	if artifacts.Coefficients != nil {
		if err := WriteCoefficientsFile(filepath.Join(runDir, csvName), artifacts.Coefficients); err != nil {
			return "", err
		}
		artifacts.Manifest.Coefficients = csvName
	}
	artifacts.Manifest.RunID = artifacts.Config.RunID

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, manifestFile), artifacts.Manifest); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the indexed runs, newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run's config, manifest and coefficient CSV into
// outDir/runID.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}
	manifest, ok, err := ReadManifest(baseDir, runID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("run %s has no manifest", runID)
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	files := []string{configFile, manifestFile}
	if manifest.Coefficients != "" {
		files = append(files, manifest.Coefficients)
	}
	for _, file := range files {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadManifest(baseDir, runID string) (Manifest, bool, error) {
	var manifest Manifest
	ok, err := readJSON(filepath.Join(baseDir, runID, manifestFile), &manifest)
	return manifest, ok, err
}

// ReadRunCoefficients loads the coefficient matrix referenced by a run's
// manifest.
func ReadRunCoefficients(baseDir, runID string) ([][]float64, bool, error) {
	manifest, ok, err := ReadManifest(baseDir, runID)
	if err != nil || !ok {
		return nil, ok, err
	}
	if manifest.Coefficients == "" {
		return nil, false, nil
	}
	rows, err := ReadCoefficientsFile(filepath.Join(baseDir, runID, manifest.Coefficients))
	if err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
