package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"bleedthrough/internal/bleed"
	"bleedthrough/internal/logging"
	"bleedthrough/internal/regression"
	"bleedthrough/internal/stats"
	"bleedthrough/internal/storage"
	"bleedthrough/internal/tiles"
	api "bleedthrough/pkg/bleedthrough"
)

const (
	runsDir    = "runs"
	exportsDir = "exports"
	dbPath     = "bleedthrough.db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "coefficients":
		return runCoefficients(ctx, args[1:])
	case "inspect":
		return runInspect(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// clientFlags are shared by every subcommand that opens a client.
type clientFlags struct {
	storeKind *string
	dbPath    *string
	runsDir   *string
	logLevel  *string
	logFormat *string
}

func registerClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		storeKind: fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:    fs.String("db-path", dbPath, "sqlite database path"),
		runsDir:   fs.String("runs-dir", runsDir, "run artifacts directory"),
		logLevel:  fs.String("log-level", "info", "log level: debug|info|warn|error"),
		logFormat: fs.String("log-format", logging.FormatAuto, "log format: auto|text|json"),
	}
}

func (f clientFlags) open() (*api.Client, error) {
	return api.New(api.Options{
		StoreKind:  *f.storeKind,
		DBPath:     *f.dbPath,
		RunsDir:    *f.runsDir,
		ExportsDir: exportsDir,
		Logger:     logging.New(os.Stderr, logging.ParseLevel(*f.logLevel), *f.logFormat),
	})
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config JSON path")
	name := fs.String("name", "", "image group name used for the coefficient CSV (default: common input prefix)")
	outDir := fs.String("out", "", "output directory for component images and coefficients")
	format := fs.String("format", "btt", "component image format: btt|tif")
	compression := fs.String("compression", "zstd", "btt chunk compression: none|zstd|s2|lz4")
	modelName := fs.String("model", bleed.DefaultModel, "regression model: "+strings.Join(regression.Names(), "|"))
	overlap := fs.Int("overlap", bleed.DefaultChannelOverlap, "neighbor channels on each side")
	kernel := fs.Int("kernel", bleed.DefaultKernelSize, "odd spatial kernel size")
	memory := fs.String("memory", humanize.IBytes(bleed.DefaultMemoryCeiling), "memory ceiling for sampled features (e.g. 500MiB)")
	tileSize := fs.Int("tile-size", tiles.DefaultTileSize, "tile edge length in pixels")
	workers := fs.Int("workers", 0, "channel worker count (0 uses all CPUs)")
	seed := fs.Int64("seed", 1, "rng seed for pixel sampling")
	selection := fs.String("selection", tiles.StrategyVariance, "training tile selection: variance|kmeans|all")
	trainingTiles := fs.Int("training-tiles", tiles.DefaultTrainingTiles, "number of training tiles")
	jsonOut := fs.Bool("json", false, "emit run summary as JSON")
	cf := registerClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := loadOrDefaultRunRequest(*configPath)
	if err != nil {
		return err
	}
	flagValues := map[string]any{
		"name":           *name,
		"out":            *outDir,
		"format":         *format,
		"compression":    *compression,
		"model":          *modelName,
		"overlap":        *overlap,
		"kernel":         *kernel,
		"memory":         *memory,
		"tile-size":      *tileSize,
		"workers":        *workers,
		"seed":           *seed,
		"selection":      *selection,
		"training-tiles": *trainingTiles,
	}
	if *configPath == "" {
		for flagName := range flagValues {
			setFlags[flagName] = true
		}
	}
	if err := overrideFromFlags(&req, setFlags, flagValues); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		req.Inputs = fs.Args()
	}
	if len(req.Inputs) == 0 {
		return errors.New("run requires input channel images")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, runErr := client.Run(ctx, req)
	if summary.RunID == "" {
		return runErr
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return errors.Join(runErr, err)
		}
		return runErr
	}

	fmt.Printf("run completed run_id=%s channels=%d failed=%d\n", summary.RunID, len(summary.Channels), len(summary.Failed))
	for _, rep := range summary.Channels {
		size := "-"
		if rep.OutputPath != "" {
			if info, err := os.Stat(rep.OutputPath); err == nil {
				size = humanize.IBytes(uint64(info.Size()))
			}
		}
		fmt.Printf("channel=%d fit=%s synth=%s tiles=%d samples=%d output=%s size=%s digest=%s\n",
			rep.Channel, rep.FitStatus, rep.SynthStatus, rep.TilesFitted, rep.Samples, rep.OutputPath, size, rep.OutputDigest)
	}
	if summary.CoefficientsPath != "" {
		fmt.Printf("coefficients=%s\n", summary.CoefficientsPath)
	}
	fmt.Printf("artifacts=%s\n", summary.ArtifactsDir)
	return runErr
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	cf := registerClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, *limit)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, item := range items {
		fmt.Printf("run_id=%s name=%s created_at=%s model=%s channels=%d failed=%d output=%s\n",
			item.RunID, item.Name, item.CreatedAtUTC, item.Model, item.Channels, item.Failed, item.OutputDir)
	}
	return nil
}

func runCoefficients(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("coefficients", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id (default: latest run)")
	cf := registerClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	rows, err := client.Coefficients(ctx, *runID)
	if err != nil {
		return err
	}
	return stats.WriteCoefficientsCSV(os.Stdout, rows)
}

func runInspect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "emit image info as JSON")
	cf := registerClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("inspect requires at least one image path")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	infos := make([]api.ImageInfo, 0, fs.NArg())
	for _, path := range fs.Args() {
		info, err := client.Inspect(ctx, path)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", path, err)
		}
		infos = append(infos, info)
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	for _, info := range infos {
		raw := uint64(info.Shape.Size() * info.DType.Size())
		fmt.Printf("path=%s shape=%dx%dx%d dtype=%s compression=%s tile_size=%d raw_size=%s min=%g max=%g\n",
			filepath.Clean(info.Path), info.Shape.Z, info.Shape.Y, info.Shape.X, info.DType, orDash(string(info.Compression)),
			info.TileSize, humanize.IBytes(raw), info.Bounds.Min, info.Bounds.Max)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	cf := registerClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, api.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: bleedctl <run|runs|coefficients|inspect|export> [flags]", msg)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
