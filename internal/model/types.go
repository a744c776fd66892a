package model

import "fmt"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// TileBox is a half-open spatial region (z, y, x) of a channel image.
type TileBox struct {
	ZMin int `json:"z_min"`
	ZMax int `json:"z_max"`
	YMin int `json:"y_min"`
	YMax int `json:"y_max"`
	XMin int `json:"x_min"`
	XMax int `json:"x_max"`
}

func (b TileBox) Depth() int  { return b.ZMax - b.ZMin }
func (b TileBox) Height() int { return b.YMax - b.YMin }
func (b TileBox) Width() int  { return b.XMax - b.XMin }

// Size is the number of voxels covered by the box.
func (b TileBox) Size() int {
	if b.Empty() {
		return 0
	}
	return b.Depth() * b.Height() * b.Width()
}

func (b TileBox) Empty() bool {
	return b.ZMax <= b.ZMin || b.YMax <= b.YMin || b.XMax <= b.XMin
}

// Trim shrinks the box by pad pixels on each Y and X edge.
func (b TileBox) Trim(pad int) TileBox {
	return TileBox{
		ZMin: b.ZMin,
		ZMax: b.ZMax,
		YMin: b.YMin + pad,
		YMax: b.YMax - pad,
		XMin: b.XMin + pad,
		XMax: b.XMax - pad,
	}
}

func (b TileBox) String() string {
	return fmt.Sprintf("z[%d:%d] y[%d:%d] x[%d:%d]", b.ZMin, b.ZMax, b.YMin, b.YMax, b.XMin, b.XMax)
}

// Bounds are the intensity limits used to rescale a channel into [0,1].
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (b Bounds) Range() float64 { return b.Max - b.Min }

// Channel is one image of an ordered multi-channel acquisition.
type Channel struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Bounds Bounds `json:"bounds"`
}

type ChannelStatus string

const (
	ChannelStatusOK      ChannelStatus = "ok"
	ChannelStatusFailed  ChannelStatus = "failed"
	ChannelStatusSkipped ChannelStatus = "skipped"
)

// ChannelReport is the diagnostic record produced by one channel's fit and
// synthesis tasks.
type ChannelReport struct {
	Channel      int           `json:"channel"`
	Neighbors    []int         `json:"neighbors"`
	Coefficients []float64     `json:"coefficients,omitempty"`
	TilesFitted  int           `json:"tiles_fitted"`
	Samples      int           `json:"samples"`
	TilesWritten int           `json:"tiles_written"`
	OutputPath   string        `json:"output_path,omitempty"`
	OutputDigest string        `json:"output_digest,omitempty"`
	FitStatus    ChannelStatus `json:"fit_status"`
	SynthStatus  ChannelStatus `json:"synth_status"`
	Error        string        `json:"error,omitempty"`
}

// RunRecord is the persisted summary of one estimation run.
type RunRecord struct {
	VersionedRecord
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	CreatedAtUTC   string          `json:"created_at_utc"`
	Model          string          `json:"model"`
	ChannelOverlap int             `json:"channel_overlap"`
	KernelSize     int             `json:"kernel_size"`
	Channels       []Channel       `json:"channels"`
	Coefficients   [][]float64     `json:"coefficients"`
	Reports        []ChannelReport `json:"reports"`
	OutputDir      string          `json:"output_dir"`
}
