package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/rerobots/hardshare/pkg/types"
)

// Backend produces raw JPEG frames from a capture device.
type Backend interface {
	// Open starts capture and returns a frame channel. The channel is
	// closed when capture ends; Err reports why.
	Open(ctx context.Context) (<-chan []byte, error)

	// Err returns the terminal capture error after the frame channel
	// closes, or nil on a requested stop.
	Err() error
}

// FFmpegBackend captures from a V4L2 device by running ffmpeg and
// splitting its MJPEG output stream on JPEG frame markers.
type FFmpegBackend struct {
	Device string
	FPS    int
	Width  int
	Height int

	err error
}

// Open starts ffmpeg and begins splitting frames.
func (b *FFmpegBackend) Open(ctx context.Context) (<-chan []byte, error) {
	fps := b.FPS
	if fps <= 0 {
		fps = 5
	}

	args := []string{
		"-loglevel", "error",
		"-f", "v4l2",
		"-i", b.Device,
		"-vf", fmt.Sprintf("fps=%d", fps),
	}
	if b.Width > 0 && b.Height > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", b.Width, b.Height))
	}
	args = append(args, "-f", "mjpeg", "-")

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCaptureOpenFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCaptureOpenFailed, err)
	}

	frames := make(chan []byte, 4)
	go func() {
		defer close(frames)
		err := splitMJPEG(ctx, stdout, frames)
		cmd.Wait()
		if ctx.Err() == nil {
			b.err = err
		}
	}()

	return frames, nil
}

// Err reports the capture failure, if any.
func (b *FFmpegBackend) Err() error {
	return b.err
}

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// splitMJPEG reads a concatenated JPEG stream and delivers one frame per
// SOI..EOI span. A full frame that arrives while the channel is backed
// up is dropped rather than stalling capture.
func splitMJPEG(ctx context.Context, r io.Reader, frames chan<- []byte) error {
	br := bufio.NewReaderSize(r, 1<<20)
	var buf bytes.Buffer
	inFrame := false

	window := make([]byte, 2)
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("%w: capture stream ended", types.ErrCameraDown)
			}
			return fmt.Errorf("%w: %v", types.ErrCameraDown, err)
		}

		window[0], window[1] = window[1], b
		if !inFrame {
			if bytes.Equal(window, jpegSOI) {
				inFrame = true
				buf.Reset()
				buf.Write(jpegSOI)
			}
			continue
		}

		buf.WriteByte(b)
		if bytes.Equal(window, jpegEOI) {
			frame := make([]byte, buf.Len())
			copy(frame, buf.Bytes())
			select {
			case frames <- frame:
			case <-ctx.Done():
				return nil
			default:
				// Consumer is behind; drop this frame.
			}
			inFrame = false
			window[0], window[1] = 0, 0
		}
	}
}
