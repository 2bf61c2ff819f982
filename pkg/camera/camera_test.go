package camera

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// testJPEG encodes a solid-color frame of the given size.
func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestSplitMJPEG(t *testing.T) {
	f1 := testJPEG(t, 32, 24)
	f2 := testJPEG(t, 32, 24)
	stream := append(append([]byte{}, f1...), f2...)

	frames := make(chan []byte, 10)
	err := splitMJPEG(context.Background(), bytes.NewReader(stream), frames)
	// Stream end is reported as a capture failure.
	assert.ErrorIs(t, err, types.ErrCameraDown)
	close(frames)

	var got [][]byte
	for f := range frames {
		got = append(got, f)
	}
	require.Len(t, got, 2)
	for _, f := range got {
		_, err := jpeg.Decode(bytes.NewReader(f))
		assert.NoError(t, err)
	}
}

// fakeBackend feeds canned frames.
type fakeBackend struct {
	frames [][]byte
	err    error
}

func (b *fakeBackend) Open(ctx context.Context) (<-chan []byte, error) {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for _, f := range b.frames {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
		// Hold the stream open until the pipeline stops.
		<-ctx.Done()
	}()
	return out, nil
}

func (b *fakeBackend) Err() error { return b.err }

// countingPublisher records publishes per WD.
type countingPublisher struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingPublisher() *countingPublisher {
	return &countingPublisher{counts: make(map[string]int)}
}

func (p *countingPublisher) Publish(wd string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[wd]++
	return nil
}

func (p *countingPublisher) Close() error { return nil }

func (p *countingPublisher) count(wd string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[wd]
}

func TestPipelineGating(t *testing.T) {
	frame := testJPEG(t, 64, 48)
	backend := &fakeBackend{frames: [][]byte{frame, frame, frame}}
	pub := newCountingPublisher()

	pipeline := NewPipeline(Config{
		Backend:   backend,
		Publisher: pub,
		Crops: map[string]Rect{
			"wd-active": {X0: 0, Y0: 0, X1: 32, Y1: 24},
			"wd-idle":   {X0: 32, Y0: 24, X1: 64, Y1: 48},
		},
		Active: func(wd string) bool { return wd == "wd-active" },
	})

	pipeline.Start(context.Background())
	defer pipeline.Stop()

	assert.Eventually(t, func() bool {
		return pub.count("wd-active") == 3
	}, 5*time.Second, 10*time.Millisecond)

	// The gated WD never receives anything.
	assert.Zero(t, pub.count("wd-idle"))
}

func TestPipelineStopHalts(t *testing.T) {
	frame := testJPEG(t, 64, 48)
	backend := &fakeBackend{frames: [][]byte{frame, frame, frame, frame}}
	pub := newCountingPublisher()

	pipeline := NewPipeline(Config{
		Backend:   backend,
		Publisher: pub,
		Crops:     map[string]Rect{"wd1": {X0: 0, Y0: 0, X1: 64, Y1: 48}},
	})

	pipeline.Start(context.Background())

	done := make(chan struct{})
	go func() {
		pipeline.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within 2s")
	}
}

func TestEncodeCrop(t *testing.T) {
	img, err := jpeg.Decode(bytes.NewReader(testJPEG(t, 64, 48)))
	require.NoError(t, err)

	data, err := encodeCrop(img, Rect{X0: 10, Y0: 10, X1: 30, Y1: 30})
	require.NoError(t, err)

	cropped, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 20, cropped.Bounds().Dx())
	assert.Equal(t, 20, cropped.Bounds().Dy())
}

func TestEncodeCropClampsToBounds(t *testing.T) {
	img, err := jpeg.Decode(bytes.NewReader(testJPEG(t, 64, 48)))
	require.NoError(t, err)

	// Oversized rectangle is clamped to the frame.
	data, err := encodeCrop(img, Rect{X0: 0, Y0: 0, X1: 1 << 14, Y1: 1 << 14})
	require.NoError(t, err)
	cropped, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, cropped.Bounds().Dx())

	// Fully outside is an error.
	_, err = encodeCrop(img, Rect{X0: 100, Y0: 100, X1: 200, Y1: 200})
	assert.Error(t, err)
}

func TestSetCrops(t *testing.T) {
	pipeline := NewPipeline(Config{
		Backend:   &fakeBackend{},
		Publisher: newCountingPublisher(),
		Crops:     map[string]Rect{"a": {}},
	})
	pipeline.SetCrops(map[string]Rect{"b": {X1: 10, Y1: 10}})

	pipeline.mu.Lock()
	defer pipeline.mu.Unlock()
	assert.Contains(t, pipeline.crops, "b")
	assert.NotContains(t, pipeline.crops, "a")
}
