// Package bleedthrough is the public entry point for estimating channel
// bleed-through in tiled multi-channel images and cataloguing the runs.
package bleedthrough

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bleedthrough/internal/bleed"
	"bleedthrough/internal/compress"
	"bleedthrough/internal/imageio"
	"bleedthrough/internal/logging"
	"bleedthrough/internal/model"
	"bleedthrough/internal/stats"
	"bleedthrough/internal/storage"
	"bleedthrough/internal/tiles"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "bleedthrough.db"
	defaultRunsLimit  = 20
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *slog.Logger
}

type Client struct {
	store  storage.Store
	logger *slog.Logger

	runsDir    string
	exportsDir string

	initMu      sync.Mutex
	initialized bool
}

// RunRequest describes one group of channel images. Inputs are ordered by
// channel index; zero-valued options take the engine defaults.
type RunRequest struct {
	Name           string
	Inputs         []string
	OutputDir      string
	OutputFormat   string
	Compression    string
	Model          string
	ChannelOverlap int
	KernelSize     int
	MemoryCeiling  int
	TileSize       int
	Workers        int
	Seed           int64
	Selection      string
	TrainingTiles  int
}

type RunSummary struct {
	RunID            string                `json:"run_id"`
	ArtifactsDir     string                `json:"artifacts_dir"`
	CoefficientsPath string                `json:"coefficients_path,omitempty"`
	Coefficients     [][]float64           `json:"coefficients,omitempty"`
	Channels         []model.ChannelReport `json:"channels"`
	Failed           []int                 `json:"failed"`
}

type RunItem struct {
	RunID        string `json:"run_id"`
	Name         string `json:"name"`
	CreatedAtUTC string `json:"created_at_utc"`
	Model        string `json:"model"`
	Channels     int    `json:"channels"`
	Failed       int    `json:"failed"`
	OutputDir    string `json:"output_dir"`
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type ImageInfo struct {
	Path        string               `json:"path"`
	Shape       imageio.Shape        `json:"shape"`
	DType       imageio.DType        `json:"dtype"`
	Compression compress.Compression `json:"compression,omitempty"`
	TileSize    int                  `json:"tile_size,omitempty"`
	Bounds      model.Bounds         `json:"bounds"`
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		logger:     logger,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if len(req.Inputs) < 2 {
		return RunSummary{}, fmt.Errorf("%w: need at least 2 input channels, got %d", bleed.ErrConfiguration, len(req.Inputs))
	}
	if req.OutputDir == "" {
		return RunSummary{}, fmt.Errorf("%w: output dir is required", bleed.ErrConfiguration)
	}
	if req.Name == "" {
		req.Name = groupName(req.Inputs)
	}
	if req.OutputFormat == "" {
		req.OutputFormat = imageio.FormatTiled
	}
	if req.OutputFormat != imageio.FormatTiled && req.OutputFormat != imageio.FormatTIFF {
		return RunSummary{}, fmt.Errorf("%w: unsupported output format %q", bleed.ErrConfiguration, req.OutputFormat)
	}
	if req.Selection == "" {
		req.Selection = tiles.StrategyVariance
	}
	if req.TrainingTiles <= 0 {
		req.TrainingTiles = tiles.DefaultTrainingTiles
	}
	codec, err := compress.Parse(req.Compression)
	if err != nil {
		return RunSummary{}, fmt.Errorf("%w: %w", bleed.ErrConfiguration, err)
	}
	if err := checkOutputDir(req.Inputs, req.OutputDir, req.OutputFormat); err != nil {
		return RunSummary{}, err
	}

	cfg := bleed.DefaultConfig()
	if req.Model != "" {
		cfg.Model = req.Model
	}
	if req.ChannelOverlap > 0 {
		cfg.ChannelOverlap = req.ChannelOverlap
	}
	if req.KernelSize != 0 {
		cfg.KernelSize = req.KernelSize
	}
	if req.MemoryCeiling > 0 {
		cfg.MemoryCeiling = req.MemoryCeiling
	}
	if req.TileSize > 0 {
		cfg.TileSize = req.TileSize
	}
	if req.Workers > 0 {
		cfg.Workers = req.Workers
	}
	cfg.Seed = req.Seed
	cfg, err = cfg.Normalize(len(req.Inputs))
	if err != nil {
		return RunSummary{}, err
	}

	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}

	runID := uuid.NewString()
	createdAt := time.Now().UTC().Format(time.RFC3339)
	logger := c.logger.With(logging.RunKey, runID)

	collection := imageio.FileCollection{Paths: req.Inputs}
	training, bounds, err := prepareChannels(collection, req.OutputFormat, cfg.TileSize, req.Selection, req.TrainingTiles, cfg.Seed)
	if err != nil {
		return RunSummary{}, err
	}
	logger.Info("training tiles selected", logging.TilesKey, len(training), "strategy", req.Selection)

	dest := imageio.DirDestination{
		Dir:         req.OutputDir,
		Names:       req.Inputs,
		Format:      req.OutputFormat,
		Compression: codec,
	}
	report, runErr := bleed.NewEngine(cfg, logger).Run(ctx, bleed.Job{
		Channels: collection,
		Output:   dest,
		Bounds:   bounds,
		Tiles:    training,
	})
	if report.Channels == nil {
		return RunSummary{}, runErr
	}

	channels := make([]model.Channel, len(req.Inputs))
	for i, path := range req.Inputs {
		channels[i] = model.Channel{Index: i, Path: path, Bounds: bounds[i]}
	}
	summary := RunSummary{
		RunID:    runID,
		Channels: report.Channels,
		Failed:   report.Failed(),
	}
	if report.Matrix != nil {
		summary.Coefficients = report.Matrix.Rows()
		summary.CoefficientsPath = filepath.Join(req.OutputDir, stats.CoefficientsFileName(req.Name))
		if err := stats.WriteCoefficientsFile(summary.CoefficientsPath, summary.Coefficients); err != nil {
			return summary, errors.Join(runErr, err)
		}
	}

	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:          runID,
			Name:           req.Name,
			Model:          cfg.Model,
			ChannelOverlap: cfg.ChannelOverlap,
			KernelSize:     cfg.KernelSize,
			MemoryCeiling:  cfg.MemoryCeiling,
			TileSize:       cfg.TileSize,
			Workers:        cfg.Workers,
			Seed:           cfg.Seed,
			Selection:      req.Selection,
			TrainingTiles:  req.TrainingTiles,
			OutputFormat:   req.OutputFormat,
			Compression:    string(codec),
			Inputs:         append([]string(nil), req.Inputs...),
			OutputDir:      req.OutputDir,
		},
		Manifest: stats.Manifest{
			CreatedAtUTC:  createdAt,
			Channels:      channels,
			TrainingTiles: training,
			Reports:       report.Channels,
		},
		Coefficients: summary.Coefficients,
	})
	if err != nil {
		return summary, errors.Join(runErr, err)
	}
	summary.ArtifactsDir = filepath.Clean(runDir)

	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:        runID,
		Name:         req.Name,
		Model:        cfg.Model,
		Channels:     len(req.Inputs),
		Failed:       len(summary.Failed),
		OutputDir:    req.OutputDir,
		CreatedAtUTC: createdAt,
	}); err != nil {
		return summary, errors.Join(runErr, err)
	}

	record := storage.Stamp(model.RunRecord{
		ID:             runID,
		Name:           req.Name,
		CreatedAtUTC:   createdAt,
		Model:          cfg.Model,
		ChannelOverlap: cfg.ChannelOverlap,
		KernelSize:     cfg.KernelSize,
		Channels:       channels,
		Coefficients:   summary.Coefficients,
		Reports:        report.Channels,
		OutputDir:      req.OutputDir,
	})
	if err := c.store.SaveRun(ctx, record); err != nil {
		return summary, errors.Join(runErr, err)
	}
	return summary, runErr
}

// Runs lists indexed runs, newest first.
func (c *Client) Runs(_ context.Context, limit int) ([]RunItem, error) {
	if limit <= 0 {
		limit = defaultRunsLimit
	}

	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			Name:         e.Name,
			CreatedAtUTC: e.CreatedAtUTC,
			Model:        e.Model,
			Channels:     e.Channels,
			Failed:       e.Failed,
			OutputDir:    e.OutputDir,
		})
	}
	return out, nil
}

// Coefficients returns the coefficient matrix of a run. An empty runID selects
// the latest indexed run. The catalog is consulted first, then the run's CSV.
func (c *Client) Coefficients(ctx context.Context, runID string) ([][]float64, error) {
	runID, err := c.resolveRunID(runID)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	if run, ok, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, err
	} else if ok && run.Coefficients != nil {
		return run.Coefficients, nil
	}

	rows, ok, err := stats.ReadRunCoefficients(c.runsDir, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("run %s has no coefficients", runID)
	}
	return rows, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID, err := c.resolveRunID(req.RunID)
	if err != nil {
		return ExportSummary{}, err
	}
	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Inspect reports an image's metadata and its full intensity range.
func (c *Client) Inspect(_ context.Context, path string) (ImageInfo, error) {
	reader, err := imageio.Open(path)
	if err != nil {
		return ImageInfo{}, err
	}
	defer reader.Close()

	meta := reader.Metadata()
	bounds, err := tiles.ComputeBounds([]imageio.Reader{reader}, tiles.Grid(meta.Shape, tiles.DefaultTileSize))
	if err != nil {
		return ImageInfo{}, err
	}
	return ImageInfo{
		Path:        path,
		Shape:       meta.Shape,
		DType:       meta.DType,
		Compression: meta.Compression,
		TileSize:    meta.TileSize,
		Bounds:      bounds[0],
	}, nil
}

func (c *Client) resolveRunID(runID string) (string, error) {
	if runID != "" {
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

// prepareChannels checks that every channel can be written in the output
// format, then selects the training tiles and derives each channel's intensity
// bounds from them.
func prepareChannels(collection imageio.Collection, format string, tileSize int, strategy string, n int, seed int64) ([]model.TileBox, []model.Bounds, error) {
	readers := make([]imageio.Reader, 0, collection.Len())
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()
	for i := 0; i < collection.Len(); i++ {
		r, err := collection.Open(i)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: open channel %d: %w", bleed.ErrIO, i, err)
		}
		readers = append(readers, r)
	}

	shape := readers[0].Metadata().Shape
	for i, r := range readers[1:] {
		if r.Metadata().Shape != shape {
			return nil, nil, fmt.Errorf("%w: channel %d shape %+v differs from channel 0 shape %+v", bleed.ErrConfiguration, i+1, r.Metadata().Shape, shape)
		}
	}
	for i, r := range readers {
		if err := imageio.Supports(format, r.Metadata()); err != nil {
			return nil, nil, fmt.Errorf("%w: channel %d: %w", bleed.ErrConfiguration, i, err)
		}
	}

	training, err := tiles.Select(strategy, readers, tiles.Grid(shape, tileSize), n, seed)
	if err != nil {
		return nil, nil, err
	}
	bounds, err := tiles.ComputeBounds(readers, training)
	if err != nil {
		return nil, nil, err
	}
	return training, bounds, nil
}

// groupName derives the coefficient file prefix from the inputs' common file
// name prefix.
func groupName(inputs []string) string {
	prefix := filepath.Base(inputs[0])
	for _, path := range inputs[1:] {
		name := filepath.Base(path)
		n := 0
		for n < len(prefix) && n < len(name) && prefix[n] == name[n] {
			n++
		}
		prefix = prefix[:n]
	}
	prefix = strings.TrimRight(prefix, "_-. ")
	if prefix == "" {
		return "image"
	}
	return prefix
}

func checkOutputDir(inputs []string, outputDir, format string) error {
	out, err := filepath.Abs(outputDir)
	if err != nil {
		return err
	}
	for _, path := range inputs {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		target := filepath.Join(out, imageio.ReplaceExtension(filepath.Base(abs), format))
		if target == abs {
			return fmt.Errorf("%w: output would overwrite input %s", bleed.ErrConfiguration, path)
		}
	}
	return nil
}
