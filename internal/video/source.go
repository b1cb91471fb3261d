// Package video decodes video sources and samples their frames at a fixed
// stride.
package video

import (
	"context"
	"errors"

	"github.com/kalambet/exhibit/internal/frame"
)

var (
	// ErrSourceUnreadable means the video could not be opened or probed.
	ErrSourceUnreadable = errors.New("video source unreadable")
	// ErrDecodeInterrupted means the stream failed after decoding started.
	ErrDecodeInterrupted = errors.New("video decode interrupted")
	// ErrInvalidStride is returned for a sampling stride below one.
	ErrInvalidStride = errors.New("sampling stride must be at least 1")
)

// Info describes a video stream as reported by its container.
// FrameCount may be zero or inaccurate.
type Info struct {
	FrameCount int     `json:"frame_count"`
	FrameRate  float64 `json:"frame_rate"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Codec      string  `json:"codec"`
}

// Source is a pull-based frame stream. Read and Skip return io.EOF at the
// end of the stream; any other error is a decode failure.
type Source interface {
	Info() Info
	// Skip advances past the next frame without decoding it.
	Skip() error
	Read() (frame.Frame, error)
	Close() error
}

// Opener opens the video at path. Failures wrap ErrSourceUnreadable.
type Opener func(ctx context.Context, path string) (Source, error)
