// Package videotest provides a deterministic in-memory video.Source for
// tests.
package videotest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/kalambet/exhibit/internal/frame"
	"github.com/kalambet/exhibit/internal/video"
)

// ErrDecode is returned by Read and Skip at the configured failure index.
var ErrDecode = errors.New("synthetic decode failure")

// Source is a synthetic stream of Frames uniform frames. Frame i has every
// pixel set to i%256, so tests can tell frames apart.
type Source struct {
	Frames int
	Rate   float64
	Width  int
	Height int
	Codec  string
	// Reported overrides the frame count returned by Info. Negative means
	// report Frames.
	Reported int
	// FailAt makes the frame at this raw index fail to decode. Negative
	// disables the failure.
	FailAt int
	// Gate, when set, is received from before every Read.
	Gate chan struct{}

	mu      sync.Mutex
	pos     int
	decoded []int
	skipped int
	closed  bool
}

// New returns a 16x12, 30 fps source with n frames.
func New(n int) *Source {
	return &Source{
		Frames:   n,
		Rate:     30,
		Width:    16,
		Height:   12,
		Codec:    "synthetic",
		Reported: -1,
		FailAt:   -1,
	}
}

// Info implements video.Source.
func (s *Source) Info() video.Info {
	count := s.Frames
	if s.Reported >= 0 {
		count = s.Reported
	}
	return video.Info{
		FrameCount: count,
		FrameRate:  s.Rate,
		Width:      s.Width,
		Height:     s.Height,
		Codec:      s.Codec,
	}
}

func (s *Source) advance() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("source closed")
	}
	if s.pos >= s.Frames {
		return 0, io.EOF
	}
	if s.pos == s.FailAt {
		return 0, ErrDecode
	}
	i := s.pos
	s.pos++
	return i, nil
}

// Skip implements video.Source.
func (s *Source) Skip() error {
	if _, err := s.advance(); err != nil {
		return err
	}
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
	return nil
}

// Read implements video.Source.
func (s *Source) Read() (frame.Frame, error) {
	if s.Gate != nil {
		<-s.Gate
	}
	i, err := s.advance()
	if err != nil {
		return frame.Frame{}, err
	}
	s.mu.Lock()
	s.decoded = append(s.decoded, i)
	s.mu.Unlock()
	return Uniform(s.Width, s.Height, uint8(i%256)), nil
}

// Close implements video.Source.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Decoded returns the raw indices of every frame that was read.
func (s *Source) Decoded() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.decoded...)
}

// Skipped returns how many frames were skipped without decoding.
func (s *Source) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// Closed reports whether Close was called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Uniform returns a BGR frame with every channel set to v.
func Uniform(w, h int, v uint8) frame.Frame {
	pix := make([]uint8, w*h*3)
	for i := range pix {
		pix[i] = v
	}
	return frame.Frame{Width: w, Height: h, Channels: 3, Pix: pix}
}

// Opener returns a video.Opener that hands out src regardless of path.
func Opener(src video.Source) video.Opener {
	return func(context.Context, string) (video.Source, error) {
		return src, nil
	}
}

// Failing returns a video.Opener that always fails with ErrSourceUnreadable.
func Failing() video.Opener {
	return func(_ context.Context, path string) (video.Source, error) {
		return nil, errors.Join(video.ErrSourceUnreadable, errors.New("cannot open "+path))
	}
}
