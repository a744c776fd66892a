package bleed

import (
	"errors"
	"slices"
	"testing"
)

func TestNeighborsOrder(t *testing.T) {
	cases := []struct {
		i, overlap, n int
		want          []int
	}{
		{i: 1, overlap: 1, n: 3, want: []int{0, 2}},
		{i: 0, overlap: 1, n: 3, want: []int{1}},
		{i: 2, overlap: 1, n: 3, want: []int{1}},
		{i: 3, overlap: 2, n: 6, want: []int{2, 1, 4, 5}},
		{i: 1, overlap: 3, n: 4, want: []int{0, 2, 3}},
	}
	for _, tc := range cases {
		if got := Neighbors(tc.i, tc.overlap, tc.n); !slices.Equal(got, tc.want) {
			t.Fatalf("Neighbors(%d, %d, %d) = %v, want %v", tc.i, tc.overlap, tc.n, got, tc.want)
		}
	}
}

func TestNeighborsSizeAndExclusion(t *testing.T) {
	for n := 2; n <= 8; n++ {
		for overlap := 1; overlap < n; overlap++ {
			for i := 0; i < n; i++ {
				got := Neighbors(i, overlap, n)
				want := min(i, overlap) + min(n-1-i, overlap)
				if len(got) != want {
					t.Fatalf("n=%d overlap=%d i=%d: got %d neighbors, want %d", n, overlap, i, len(got), want)
				}
				if slices.Contains(got, i) {
					t.Fatalf("n=%d overlap=%d i=%d: neighbor list %v contains the channel", n, overlap, i, got)
				}
				for _, j := range got {
					if j < 0 || j >= n {
						t.Fatalf("neighbor %d outside [0,%d)", j, n)
					}
				}
			}
		}
	}
}

func TestPixelBudget(t *testing.T) {
	if got := PixelBudget(DefaultMemoryCeiling, 3, 1, 1024); got != 1022*1022 {
		t.Fatalf("default budget = %d, want %d", got, 1022*1022)
	}
	if got := PixelBudget(7200, 3, 1, 1024); got != 100 {
		t.Fatalf("memory-bound budget = %d, want 100", got)
	}
	if got := PixelBudget(DefaultMemoryCeiling, 5, 2, 4); got != 0 {
		t.Fatalf("tile smaller than kernel should give zero budget, got %d", got)
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChannelOverlap = 5
	got, err := cfg.Normalize(3)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.ChannelOverlap != 2 {
		t.Fatalf("expected overlap clamped to 2, got %d", got.ChannelOverlap)
	}

	cfg.ChannelOverlap = 0
	got, err = cfg.Normalize(3)
	if err != nil || got.ChannelOverlap != 1 {
		t.Fatalf("expected overlap raised to 1, got %d err=%v", got.ChannelOverlap, err)
	}

	zero, err := Config{KernelSize: 3}.Normalize(4)
	if err != nil {
		t.Fatalf("normalize zero config: %v", err)
	}
	if zero.Model != DefaultModel || zero.MemoryCeiling != DefaultMemoryCeiling || zero.TileSize == 0 || zero.Workers < 1 {
		t.Fatalf("defaults not applied: %+v", zero)
	}
}

func TestConfigRejectsInvalid(t *testing.T) {
	cases := map[string]func(*Config) int{
		"single channel": func(c *Config) int { return 1 },
		"even kernel":    func(c *Config) int { c.KernelSize = 4; return 3 },
		"zero kernel":    func(c *Config) int { c.KernelSize = 0; return 3 },
		"unknown model":  func(c *Config) int { c.Model = "Ridge"; return 3 },
		"tiny tile":      func(c *Config) int { c.TileSize = 2; return 3 },
		"tiny memory":    func(c *Config) int { c.MemoryCeiling = 8; return 3 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		n := mutate(&cfg)
		if _, err := cfg.Normalize(n); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected ErrConfiguration, got %v", name, err)
		}
	}
}
