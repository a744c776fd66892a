package bleed

import (
	"fmt"
	"runtime"
	"slices"

	"bleedthrough/internal/regression"
	"bleedthrough/internal/tiles"
)

const (
	DefaultChannelOverlap = 1
	DefaultKernelSize     = 3
	DefaultMemoryCeiling  = 500 << 20
	DefaultModel          = regression.LassoName
)

type Config struct {
	ChannelOverlap int    `json:"channel_overlap"`
	KernelSize     int    `json:"kernel_size"`
	Model          string `json:"model"`
	MemoryCeiling  int    `json:"memory_ceiling"`
	TileSize       int    `json:"tile_size"`
	Workers        int    `json:"workers"`
	Seed           int64  `json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		ChannelOverlap: DefaultChannelOverlap,
		KernelSize:     DefaultKernelSize,
		Model:          DefaultModel,
		MemoryCeiling:  DefaultMemoryCeiling,
		TileSize:       tiles.DefaultTileSize,
		Workers:        runtime.NumCPU(),
	}
}

// Normalize fills unset fields with defaults and clamps the overlap to the
// channel count. It fails with ErrConfiguration on anything it cannot repair.
func (c Config) Normalize(channels int) (Config, error) {
	if channels < 2 {
		return c, fmt.Errorf("%w: need at least 2 channels, got %d", ErrConfiguration, channels)
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MemoryCeiling <= 0 {
		c.MemoryCeiling = DefaultMemoryCeiling
	}
	if c.TileSize <= 0 {
		c.TileSize = tiles.DefaultTileSize
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	c.ChannelOverlap = max(1, min(c.ChannelOverlap, channels-1))
	return c, c.Validate()
}

func (c Config) Validate() error {
	if c.KernelSize <= 0 || c.KernelSize%2 == 0 {
		return fmt.Errorf("%w: kernel size must be odd and positive, got %d", ErrConfiguration, c.KernelSize)
	}
	if c.ChannelOverlap < 1 {
		return fmt.Errorf("%w: channel overlap must be positive, got %d", ErrConfiguration, c.ChannelOverlap)
	}
	if !slices.Contains(regression.Names(), c.Model) {
		return fmt.Errorf("%w: unknown model %q", ErrConfiguration, c.Model)
	}
	if c.MemoryCeiling <= 0 {
		return fmt.Errorf("%w: memory ceiling must be positive", ErrConfiguration)
	}
	if c.TileSize <= 2*(c.KernelSize/2) {
		return fmt.Errorf("%w: tile size %d too small for kernel %d", ErrConfiguration, c.TileSize, c.KernelSize)
	}
	if PixelBudget(c.MemoryCeiling, c.KernelSize, c.ChannelOverlap, c.TileSize) < 1 {
		return fmt.Errorf("%w: memory ceiling too small for kernel %d and overlap %d", ErrConfiguration, c.KernelSize, c.ChannelOverlap)
	}
	return nil
}
