package video

import (
	"errors"
	"fmt"
	"io"

	"github.com/kalambet/exhibit/internal/frame"
)

// DefaultStride samples one frame per second of 30 fps video.
const DefaultStride = 30

// Sampled is one frame picked by a Sampler.
type Sampled struct {
	Frame frame.Frame
	// RawIndex is the position of the frame in decode order.
	RawIndex int
	// Sequence is the ordinal among sampled frames.
	Sequence int
}

// Sampler yields every stride-th frame of a Source (raw indices 0, stride,
// 2*stride ...). Frames in between are skipped without decoding. Use it like
// bufio.Scanner:
//
//	for s.Scan() {
//		f := s.Frame()
//	}
//	if err := s.Err(); err != nil { ... }
type Sampler struct {
	src    Source
	stride int

	raw  int
	seq  int
	cur  Sampled
	err  error
	done bool
}

// NewSampler returns a Sampler over src.
func NewSampler(src Source, stride int) (*Sampler, error) {
	if stride < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidStride, stride)
	}
	return &Sampler{src: src, stride: stride}, nil
}

// Scan advances to the next sampled frame. It returns false at end of stream
// or on a decode error; once false it stays false.
func (s *Sampler) Scan() bool {
	if s.done {
		return false
	}
	if s.seq > 0 {
		for i := 1; i < s.stride; i++ {
			if err := s.src.Skip(); err != nil {
				return s.stop(err)
			}
			s.raw++
		}
	}
	f, err := s.src.Read()
	if err != nil {
		return s.stop(err)
	}
	s.cur = Sampled{Frame: f, RawIndex: s.raw, Sequence: s.seq}
	s.raw++
	s.seq++
	return true
}

func (s *Sampler) stop(err error) bool {
	s.done = true
	s.cur = Sampled{}
	if !errors.Is(err, io.EOF) {
		s.err = fmt.Errorf("%w: raw frame %d: %w", ErrDecodeInterrupted, s.raw, err)
	}
	return false
}

// Frame returns the frame produced by the last successful Scan.
func (s *Sampler) Frame() Sampled { return s.cur }

// Err returns the decode error that stopped the scan, or nil at a clean end
// of stream.
func (s *Sampler) Err() error { return s.err }

// Consumed returns how many raw frames were read or skipped so far.
func (s *Sampler) Consumed() int { return s.raw }

// ExpectedSamples returns how many frames a stride will sample from total
// raw frames.
func ExpectedSamples(total, stride int) int {
	if total <= 0 || stride < 1 {
		return 0
	}
	return (total + stride - 1) / stride
}
