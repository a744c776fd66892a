// Package compress provides the chunk codecs used by the tiled channel-image
// container. Each tile is compressed independently so that a region read only
// touches the chunks it overlaps.
package compress

import (
	"fmt"
	"strings"
)

// Compression names a chunk codec as recorded in a container header.
type Compression string

const (
	None Compression = "none"
	Zstd Compression = "zstd"
	S2   Compression = "s2"
	LZ4  Compression = "lz4"
)

type Compressor interface {
	Compress(data []byte) ([]byte, error)
}

type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

// Codec combines both directions for one algorithm.
type Codec interface {
	Compressor
	Decompressor
}

var builtinCodecs = map[Compression]Codec{
	None: NewNoOpCompressor(),
	Zstd: NewZstdCompressor(),
	S2:   NewS2Compressor(),
	LZ4:  NewLZ4Compressor(),
}

// Parse accepts a case-insensitive codec name. The empty string selects zstd.
func Parse(name string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(name))); c {
	case "":
		return Zstd, nil
	case None, Zstd, S2, LZ4:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported compression: %s", name)
	}
}

// GetCodec returns the shared codec for a compression type.
func GetCodec(c Compression) (Codec, error) {
	if codec, ok := builtinCodecs[c]; ok {
		return codec, nil
	}
	return nil, fmt.Errorf("unsupported compression type: %s", c)
}
