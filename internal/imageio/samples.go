package imageio

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// DType is the native numeric type of stored pixels.
type DType string

const (
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Float32 DType = "float32"
)

func ParseDType(name string) (DType, error) {
	switch d := DType(name); d {
	case Uint8, Uint16, Float32:
		return d, nil
	default:
		return "", fmt.Errorf("%w: dtype %q", ErrUnsupported, name)
	}
}

// Size is the byte width of one sample.
func (d DType) Size() int {
	switch d {
	case Uint8:
		return 1
	case Uint16:
		return 2
	default:
		return 4
	}
}

// Max is the largest representable sample value.
func (d DType) Max() float64 {
	switch d {
	case Uint8:
		return math.MaxUint8
	case Uint16:
		return math.MaxUint16
	default:
		return math.MaxFloat32
	}
}

// Cast converts one value to the dtype. Integer types truncate toward zero;
// every type saturates at its limits instead of wrapping or overflowing.
func (d DType) Cast(v float64) float64 {
	switch d {
	case Uint8:
		return float64(saturate[uint8](v))
	case Uint16:
		return float64(saturate[uint16](v))
	default:
		if v > math.MaxFloat32 {
			return math.MaxFloat32
		}
		if v < -math.MaxFloat32 {
			return -math.MaxFloat32
		}
		return float64(float32(v))
	}
}

// Quantize casts values in place and returns them.
func Quantize(d DType, values []float64) []float64 {
	for i, v := range values {
		values[i] = d.Cast(v)
	}
	return values
}

func saturate[T constraints.Unsigned](v float64) T {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	top := ^T(0)
	if v >= float64(top) {
		return top
	}
	return T(v)
}

// EncodeSamples serializes values little-endian in the dtype's width.
func EncodeSamples(d DType, values []float64) []byte {
	out := make([]byte, len(values)*d.Size())
	switch d {
	case Uint8:
		for i, v := range values {
			out[i] = saturate[uint8](v)
		}
	case Uint16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[2*i:], saturate[uint16](v))
		}
	default:
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(float32(v)))
		}
	}
	return out
}

// DecodeSamples fills dst from data produced by EncodeSamples.
func DecodeSamples(d DType, data []byte, dst []float64) error {
	if len(data) != len(dst)*d.Size() {
		return fmt.Errorf("%w: %d bytes for %d %s samples", ErrSampleLength, len(data), len(dst), d)
	}
	switch d {
	case Uint8:
		for i := range dst {
			dst[i] = float64(data[i])
		}
	case Uint16:
		for i := range dst {
			dst[i] = float64(binary.LittleEndian.Uint16(data[2*i:]))
		}
	default:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:])))
		}
	}
	return nil
}
