package camera

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/metrics"
	"github.com/rerobots/hardshare/pkg/token"
	"github.com/rerobots/hardshare/pkg/types"
)

// maxCaptureRetries is how many consecutive capture failures are
// tolerated before the pipeline gives up with CameraDown.
const maxCaptureRetries = 5

// Rect is a per-WD crop rectangle in source pixel coordinates.
type Rect struct {
	X0, Y0, X1, Y1 int
}

// Publisher delivers an encoded crop for a WD upstream.
type Publisher interface {
	Publish(wd string, jpegData []byte) error
	Close() error
}

// Pipeline runs one capture loop feeding per-WD crops.
type Pipeline struct {
	backend   Backend
	publisher Publisher
	active    func(wd string) bool
	onDown    func(err error)
	logger    zerolog.Logger

	mu    sync.Mutex
	crops map[string]Rect

	cancel context.CancelFunc
	done   chan struct{}
}

// Config wires a Pipeline.
type Config struct {
	Backend   Backend
	Publisher Publisher

	// Crops maps WD id to its crop rectangle.
	Crops map[string]Rect

	// Active gates publishing per WD: a READY instance with the cam
	// add-on. Nil publishes for every mapped WD.
	Active func(wd string) bool

	// OnDown fires when capture fails past the retry cap.
	OnDown func(err error)
}

// NewPipeline builds an unstarted pipeline.
func NewPipeline(cfg Config) *Pipeline {
	crops := make(map[string]Rect, len(cfg.Crops))
	for wd, r := range cfg.Crops {
		crops[wd] = r
	}
	return &Pipeline{
		backend:   cfg.Backend,
		publisher: cfg.Publisher,
		active:    cfg.Active,
		onDown:    cfg.OnDown,
		logger:    log.WithComponent("camera"),
		crops:     crops,
		done:      make(chan struct{}),
	}
}

// Start begins capture.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

// Stop halts capture and closes the publisher. It blocks until the loop
// has exited.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
	if p.publisher != nil {
		p.publisher.Close()
	}
}

// run opens the backend and processes frames, retrying transient capture
// failures up to the cap.
func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		frames, err := p.backend.Open(ctx)
		if err != nil {
			failures++
			p.logger.Warn().Err(err).Int("failures", failures).Msg("capture open failed")
			if failures >= maxCaptureRetries {
				p.down(err)
				return
			}
			select {
			case <-time.After(time.Duration(failures) * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for frame := range frames {
			failures = 0
			p.process(frame)
		}

		if ctx.Err() != nil {
			return
		}

		if err := p.backend.Err(); err != nil {
			failures++
			p.logger.Warn().Err(err).Int("failures", failures).Msg("capture stream failed")
			if failures >= maxCaptureRetries {
				p.down(err)
				return
			}
			select {
			case <-time.After(time.Duration(failures) * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) down(err error) {
	p.logger.Error().Err(err).Msg("camera down")
	if p.onDown != nil {
		p.onDown(fmt.Errorf("%w: %v", types.ErrCameraDown, err))
	}
}

// process decodes one source frame and publishes every active crop.
func (p *Pipeline) process(frame []byte) {
	p.mu.Lock()
	crops := make(map[string]Rect, len(p.crops))
	for wd, r := range p.crops {
		crops[wd] = r
	}
	p.mu.Unlock()

	var src image.Image
	var decodeErr error

	for wd, rect := range crops {
		if p.active != nil && !p.active(wd) {
			metrics.CamFramesTotal.WithLabelValues("gated").Inc()
			continue
		}

		// Decode lazily so fully-gated frames cost nothing.
		if src == nil && decodeErr == nil {
			src, decodeErr = jpeg.Decode(bytes.NewReader(frame))
			if decodeErr != nil {
				p.logger.Warn().Err(decodeErr).Msg("undecodable frame")
			}
		}
		if decodeErr != nil {
			return
		}

		data, err := encodeCrop(src, rect)
		if err != nil {
			p.logger.Warn().Err(err).Str("wd", wd).Msg("crop failed")
			metrics.CamFramesTotal.WithLabelValues("dropped").Inc()
			continue
		}

		if err := p.publisher.Publish(wd, data); err != nil {
			// Per-frame drop; not fatal.
			p.logger.Debug().Err(err).Str("wd", wd).Msg("publish failed")
			metrics.CamFramesTotal.WithLabelValues("dropped").Inc()
			continue
		}
		metrics.CamFramesTotal.WithLabelValues("sent").Inc()
	}
}

// encodeCrop cuts rect from src and re-encodes it as JPEG.
func encodeCrop(src image.Image, rect Rect) ([]byte, error) {
	bounds := image.Rect(rect.X0, rect.Y0, rect.X1, rect.Y1).Intersect(src.Bounds())
	if bounds.Empty() {
		return nil, fmt.Errorf("crop rectangle outside frame bounds")
	}

	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	si, ok := src.(subImager)
	if !ok {
		return nil, fmt.Errorf("source image does not support cropping")
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, si.SubImage(bounds), &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WSPublisher sends CAM_FRAME messages over a dedicated WebSocket to the
// upstream ingest endpoint, authenticated like the control channel.
type WSPublisher struct {
	url   string
	token func() (*token.Record, error)

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSPublisher returns a lazy-connecting publisher.
func NewWSPublisher(url string, tok func() (*token.Record, error)) *WSPublisher {
	return &WSPublisher{url: url, token: tok}
}

func (w *WSPublisher) connect() error {
	if w.conn != nil {
		return nil
	}
	rec, err := w.token()
	if err != nil {
		return err
	}
	hdr := http.Header{}
	hdr.Set("Authorization", rec.Bearer())
	conn, _, err := websocket.DefaultDialer.Dial(w.url, hdr)
	if err != nil {
		return err
	}
	w.conn = conn
	return nil
}

// Publish sends one crop. A send failure tears down the connection so
// the next frame redials.
func (w *WSPublisher) Publish(wd string, jpegData []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.connect(); err != nil {
		return err
	}

	f := types.Frame{
		V:           types.FrameVersion,
		Cmd:         types.CmdCamFrame,
		WDeployment: wd,
		Data:        base64.StdEncoding.EncodeToString(jpegData),
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

// Close closes the ingest connection.
func (w *WSPublisher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

// SetCrops replaces the crop map at runtime (attach-camera admin call).
func (p *Pipeline) SetCrops(crops map[string]Rect) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crops = make(map[string]Rect, len(crops))
	for wd, r := range crops {
		p.crops[wd] = r
	}
}
