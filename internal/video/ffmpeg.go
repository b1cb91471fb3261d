package video

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/kalambet/exhibit/internal/frame"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxFrameBytes bounds a single encoded frame in the decoder pipe.
const maxFrameBytes = 64 << 20

// SplitJpeg is a bufio.SplitFunc that yields complete JPEG images from an
// MJPEG byte stream.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end == -1 {
		if atEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

type probeOutput struct {
	Streams []struct {
		CodecName     string `json:"codec_name"`
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// parseProbe extracts stream info from ffprobe JSON. counted is false when
// the container carries no usable frame count.
func parseProbe(data []byte) (info Info, counted bool, err error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Info{}, false, fmt.Errorf("decoding ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return Info{}, false, errors.New("no video stream")
	}
	s := out.Streams[0]
	info = Info{
		Width:     s.Width,
		Height:    s.Height,
		FrameRate: parseRate(s.RFrameRate),
		Codec:     s.CodecName,
	}
	for _, v := range []string{s.NbFrames, s.NbReadPackets} {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			info.FrameCount = n
			return info, true, nil
		}
	}
	return info, false, nil
}

// parseRate parses ffprobe rationals such as "30000/1001". Unknown rates are 0.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Probe reads stream information with ffprobe. When the container has no
// frame count the packets are counted, which reads the whole file.
func Probe(ctx context.Context, path string) (Info, error) {
	args := []string{"-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height,r_frame_rate,nb_frames", "-of", "json", path}
	out, err := exec.CommandContext(ctx, "ffprobe", args...).Output()
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe: %w", err)
	}
	info, counted, err := parseProbe(out)
	if err != nil || counted {
		return info, err
	}

	args = []string{"-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=codec_name,width,height,r_frame_rate,nb_read_packets", "-of", "json", path}
	out, err = exec.CommandContext(ctx, "ffprobe", args...).Output()
	if err != nil {
		// Frame count stays unknown; progress falls back to zero estimates.
		return info, nil
	}
	if c, _, err := parseProbe(out); err == nil {
		info.FrameCount = c.FrameCount
	}
	return info, nil
}

// FFmpegSource decodes a video file through an ffmpeg MJPEG pipe.
type FFmpegSource struct {
	info    Info
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	stderr  bytes.Buffer

	closeOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
}

// Open probes path and starts the decoder. ctx bounds the probe only; the
// decoder runs until Close. Failures wrap ErrSourceUnreadable.
func Open(ctx context.Context, path string) (Source, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrSourceUnreadable, path)
	}
	for _, bin := range []string{"ffprobe", "ffmpeg"} {
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("%w: %s not found: %w", ErrSourceUnreadable, bin, err)
		}
	}

	info, err := Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}

	decodeCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(decodeCtx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-i", path, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-")
	src := &FFmpegSource{info: info, cmd: cmd, cancel: cancel}
	cmd.Stderr = &src.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: starting ffmpeg: %w", ErrSourceUnreadable, err)
	}

	src.scanner = bufio.NewScanner(stdout)
	src.scanner.Buffer(make([]byte, 0, 1<<20), maxFrameBytes)
	src.scanner.Split(SplitJpeg)
	return src, nil
}

// Info returns the probed stream information.
func (s *FFmpegSource) Info() Info { return s.info }

func (s *FFmpegSource) next() ([]byte, error) {
	if s.scanner.Scan() {
		return s.scanner.Bytes(), nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	if err := s.wait(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *FFmpegSource) wait() error {
	s.waitOnce.Do(func() {
		if err := s.cmd.Wait(); err != nil {
			msg := strings.TrimSpace(s.stderr.String())
			if msg == "" {
				s.waitErr = fmt.Errorf("ffmpeg: %w", err)
			} else {
				s.waitErr = fmt.Errorf("ffmpeg: %w: %s", err, msg)
			}
		}
	})
	return s.waitErr
}

// Skip consumes the next encoded frame without decoding it.
func (s *FFmpegSource) Skip() error {
	_, err := s.next()
	return err
}

// Read decodes the next frame.
func (s *FFmpegSource) Read() (frame.Frame, error) {
	data, err := s.next()
	if err != nil {
		return frame.Frame{}, err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return frame.Frame{}, fmt.Errorf("decoding jpeg: %w", err)
	}
	return frame.FromImage(img), nil
}

// Close stops the decoder and releases the process.
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.wait()
	})
	return nil
}
