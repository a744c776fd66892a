package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/dustin/go-humanize"

	api "bleedthrough/pkg/bleedthrough"
)

func loadRunRequestFromConfig(path string) (api.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.RunRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return api.RunRequest{}, err
	}

	var req api.RunRequest
	if v, ok := asString(raw["name"]); ok {
		req.Name = v
	}
	if v, ok := asStrings(raw["inputs"]); ok {
		req.Inputs = v
	}
	if v, ok := asString(raw["output_dir"]); ok {
		req.OutputDir = v
	}
	if v, ok := asString(raw["output_format"]); ok {
		req.OutputFormat = v
	}
	if v, ok := asString(raw["compression"]); ok {
		req.Compression = v
	}
	if v, ok := asString(raw["model"]); ok {
		req.Model = v
	}
	if v, ok := asInt(raw["channel_overlap"]); ok {
		req.ChannelOverlap = v
	}
	if v, ok := asInt(raw["kernel_size"]); ok {
		req.KernelSize = v
	}
	if v, ok := raw["memory_ceiling"]; ok {
		ceiling, err := asByteSize(v)
		if err != nil {
			return api.RunRequest{}, fmt.Errorf("memory_ceiling: %w", err)
		}
		req.MemoryCeiling = ceiling
	}
	if v, ok := asInt(raw["tile_size"]); ok {
		req.TileSize = v
	}
	if v, ok := asInt(raw["workers"]); ok {
		req.Workers = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asString(raw["selection"]); ok {
		req.Selection = v
	}
	if v, ok := asInt(raw["training_tiles"]); ok {
		req.TrainingTiles = v
	}
	return req, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asStrings(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

// asByteSize accepts a plain byte count or a humanized size such as "2GiB".
func asByteSize(v any) (int, error) {
	switch x := v.(type) {
	case float64:
		if x <= 0 {
			return 0, fmt.Errorf("must be positive, got %v", x)
		}
		return int(x), nil
	case string:
		return parseByteSize(x)
	default:
		return 0, fmt.Errorf("unsupported value %v", v)
	}
}

func parseByteSize(s string) (int, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > math.MaxInt {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return int(n), nil
}

func overrideFromFlags(req *api.RunRequest, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "name":
			req.Name = v.(string)
		case "out":
			req.OutputDir = v.(string)
		case "format":
			req.OutputFormat = v.(string)
		case "compression":
			req.Compression = v.(string)
		case "model":
			req.Model = v.(string)
		case "overlap":
			req.ChannelOverlap = v.(int)
		case "kernel":
			req.KernelSize = v.(int)
		case "memory":
			ceiling, err := parseByteSize(v.(string))
			if err != nil {
				return fmt.Errorf("invalid -memory: %w", err)
			}
			req.MemoryCeiling = ceiling
		case "tile-size":
			req.TileSize = v.(int)
		case "workers":
			req.Workers = v.(int)
		case "seed":
			req.Seed = v.(int64)
		case "selection":
			req.Selection = v.(string)
		case "training-tiles":
			req.TrainingTiles = v.(int)
		}
	}
	return nil
}

func loadOrDefaultRunRequest(configPath string) (api.RunRequest, error) {
	if configPath == "" {
		return api.RunRequest{}, nil
	}
	req, err := loadRunRequestFromConfig(configPath)
	if err != nil {
		return api.RunRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}
