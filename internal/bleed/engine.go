// Package bleed estimates spectral bleed-through between the channels of a
// tiled multi-channel image and synthesizes the per-channel bleed-through
// components.
//
// A run has two phases. Every channel is first fitted against its neighbors
// with a warm-started regression model over a set of training tiles; the
// per-channel results are assembled into a CoefficientMatrix. Only then is
// each channel's component image streamed tile by tile to the destination.
package bleed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"bleedthrough/internal/imageio"
	"bleedthrough/internal/logging"
	"bleedthrough/internal/model"
)

// Job is one group of channels to process.
type Job struct {
	Channels imageio.Collection
	Output   imageio.Destination
	Bounds   []model.Bounds
	Tiles    []model.TileBox
}

type Report struct {
	Config   Config
	Matrix   *CoefficientMatrix
	Channels []model.ChannelReport
}

// Failed lists the channels whose fit or synthesis did not succeed.
func (r Report) Failed() []int {
	var out []int
	for _, c := range r.Channels {
		if c.FitStatus == model.ChannelStatusFailed || c.SynthStatus == model.ChannelStatusFailed {
			out = append(out, c.Channel)
		}
	}
	return out
}

type Engine struct {
	cfg    Config
	logger *slog.Logger
}

func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Run fits every channel, assembles the coefficient matrix and writes one
// component per successfully fitted channel. Channel-scoped failures are
// recorded in the report and joined into the returned error; a degenerate
// channel aborts the run before any output is written.
func (e *Engine) Run(ctx context.Context, job Job) (Report, error) {
	if job.Channels == nil || job.Output == nil {
		return Report{}, fmt.Errorf("%w: channels and output are required", ErrConfiguration)
	}
	n := job.Channels.Len()
	cfg, err := e.cfg.Normalize(n)
	if err != nil {
		return Report{}, err
	}
	if len(job.Bounds) != n {
		return Report{}, fmt.Errorf("%w: %d bounds for %d channels", ErrConfiguration, len(job.Bounds), n)
	}
	if len(job.Tiles) == 0 {
		return Report{}, fmt.Errorf("%w: no training tiles", ErrConfiguration)
	}

	report := Report{Config: cfg, Channels: make([]model.ChannelReport, n)}
	for i := range report.Channels {
		report.Channels[i] = model.ChannelReport{
			Channel:     i,
			Neighbors:   Neighbors(i, cfg.ChannelOverlap, n),
			FitStatus:   model.ChannelStatusSkipped,
			SynthStatus: model.ChannelStatusSkipped,
		}
	}
	e.logger.Info("estimation started",
		"channels", n,
		logging.ModelKey, cfg.Model,
		"channel_overlap", cfg.ChannelOverlap,
		"kernel_size", cfg.KernelSize,
		logging.TilesKey, len(job.Tiles),
		logging.MemoryKey, humanize.IBytes(uint64(cfg.MemoryCeiling)),
	)

	fitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	channels := make([]int, n)
	for i := range channels {
		channels[i] = i
	}
	fits, fitErrs := runPool(fitCtx, cfg.Workers, channels, func(ctx context.Context, i int) (ChannelFit, error) {
		start := time.Now()
		fit, err := FitChannel(ctx, cfg, job.Channels, job.Bounds, job.Tiles, i)
		if err != nil {
			if errors.Is(err, ErrDegenerateChannel) {
				cancel()
			}
			return fit, err
		}
		e.logger.Info("channel fitted",
			logging.ChannelKey, i,
			logging.PhaseKey, PhaseFit,
			logging.TilesKey, fit.TilesFitted,
			logging.SamplesKey, fit.Samples,
			logging.FeaturesKey, fit.Features,
			logging.DurationKey, time.Since(start).Milliseconds(),
		)
		return fit, nil
	})

	var failures []error
	var fitted []ChannelFit
	degenerate := false
	for i, err := range fitErrs {
		rep := &report.Channels[i]
		rep.TilesFitted = fits[i].TilesFitted
		rep.Samples = fits[i].Samples
		if err != nil {
			rep.FitStatus = model.ChannelStatusFailed
			rep.Error = err.Error()
			failures = append(failures, err)
			degenerate = degenerate || errors.Is(err, ErrDegenerateChannel)
			e.logger.Error("channel fit failed", failureAttrs(i, err)...)
			continue
		}
		rep.FitStatus = model.ChannelStatusOK
		fitted = append(fitted, fits[i])
	}
	if degenerate {
		return report, errors.Join(failures...)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	matrix, err := AssembleCoefficients(n, fitted)
	if err != nil {
		return report, err
	}
	report.Matrix = matrix
	for _, fit := range fitted {
		report.Channels[fit.Channel].Coefficients = matrix.Row(fit.Channel)
	}

	pending := make([]int, 0, len(fitted))
	for _, fit := range fitted {
		pending = append(pending, fit.Channel)
	}
	outputs, synthErrs := runPool(ctx, cfg.Workers, pending, func(ctx context.Context, i int) (Synthesis, error) {
		start := time.Now()
		out, err := SynthesizeChannel(ctx, cfg, job.Channels, job.Output, job.Bounds, matrix, i)
		if err != nil {
			return out, err
		}
		e.logger.Info("component written",
			logging.ChannelKey, i,
			logging.PhaseKey, PhaseSynthesize,
			logging.TilesKey, out.TilesWritten,
			logging.PathKey, out.OutputPath,
			logging.DurationKey, time.Since(start).Milliseconds(),
		)
		return out, nil
	})
	for k, i := range pending {
		rep := &report.Channels[i]
		if err := synthErrs[k]; err != nil {
			rep.SynthStatus = model.ChannelStatusFailed
			rep.Error = err.Error()
			failures = append(failures, err)
			e.logger.Error("component synthesis failed", failureAttrs(i, err)...)
			continue
		}
		rep.SynthStatus = model.ChannelStatusOK
		rep.TilesWritten = outputs[k].TilesWritten
		rep.OutputPath = outputs[k].OutputPath
		rep.OutputDigest = outputs[k].Digest
	}

	e.logger.Info("estimation finished", "channels", n, "failed", len(report.Failed()))
	return report, errors.Join(failures...)
}

// failureAttrs are the log attributes of a failed channel task, including the
// tile it stopped on when known.
func failureAttrs(channel int, err error) []any {
	attrs := []any{logging.ChannelKey, channel}
	var ce *ChannelError
	if errors.As(err, &ce) && ce.Tile != nil {
		attrs = append(attrs, logging.TileKey, ce.Tile.String())
	}
	return append(attrs, "error", err)
}

// runPool runs task for every item on at most workers goroutines and returns
// results and errors in item order.
func runPool[T any](ctx context.Context, workers int, items []int, task func(context.Context, int) (T, error)) ([]T, []error) {
	type job struct {
		idx  int
		item int
	}
	type result struct {
		idx   int
		value T
		err   error
	}

	values := make([]T, len(items))
	errs := make([]error, len(items))
	if len(items) == 0 {
		return values, errs
	}

	jobs := make(chan job)
	results := make(chan result, len(items))

	workerCount := min(max(workers, 1), len(items))
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{idx: j.idx, err: err}
					continue
				}
				value, err := task(ctx, j.item)
				results <- result{idx: j.idx, value: value, err: err}
			}
		}()
	}

	for i, item := range items {
		jobs <- job{idx: i, item: item}
	}
	close(jobs)

	wg.Wait()
	close(results)

	for res := range results {
		values[res.idx] = res.value
		errs[res.idx] = res.err
	}
	return values, errs
}
