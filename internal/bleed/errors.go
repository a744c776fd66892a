package bleed

import (
	"errors"
	"fmt"

	"bleedthrough/internal/model"
)

var (
	ErrConfiguration      = errors.New("invalid configuration")
	ErrDegenerateChannel  = errors.New("degenerate channel bounds")
	ErrNumericInstability = errors.New("non-finite values in regression inputs")
	ErrIO                 = errors.New("image i/o failure")
)

type Phase string

const (
	PhaseFit        Phase = "fit"
	PhaseSynthesize Phase = "synthesize"
)

// ChannelError scopes a failure to one channel task. Tile is nil when the
// failure is not tied to a tile.
type ChannelError struct {
	Channel int
	Phase   Phase
	Tile    *model.TileBox
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Tile != nil {
		return fmt.Sprintf("channel %d %s %s: %v", e.Channel, e.Phase, e.Tile, e.Err)
	}
	return fmt.Sprintf("channel %d %s: %v", e.Channel, e.Phase, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

func channelError(channel int, phase Phase, tile *model.TileBox, err error) error {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return err
	}
	return &ChannelError{Channel: channel, Phase: phase, Tile: tile, Err: err}
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
