package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"time"

	"go.uber.org/zap"

	"teleop-gateway/internal/config"
	"teleop-gateway/internal/protocol"
)

const patternQuality = 70

// TestPattern is a synthetic capture producer for running without a camera.
type TestPattern struct {
	ingest *Ingest
	cfg    config.TestPattern
	logger *zap.Logger
}

func NewTestPattern(ingest *Ingest, cfg config.TestPattern, logger *zap.Logger) *TestPattern {
	if cfg.FPS < 1 {
		cfg.FPS = 10
	}
	if cfg.Width < 16 {
		cfg.Width = 320
	}
	if cfg.Height < 16 {
		cfg.Height = 240
	}
	return &TestPattern{ingest: ingest, cfg: cfg, logger: logger}
}

// Run publishes frames until ctx is done.
func (tp *TestPattern) Run(ctx context.Context) error {
	p, err := tp.ingest.Attach(tp.cfg.Source, "test-pattern")
	if err != nil {
		return err
	}
	defer p.Detach("test pattern stopped")

	ticker := time.NewTicker(time.Second / time.Duration(tp.cfg.FPS))
	defer ticker.Stop()

	tp.logger.Info("Test pattern started",
		zap.String("source", p.Source()),
		zap.Int("fps", tp.cfg.FPS))

	var n int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		data, err := Pattern(tp.cfg.Width, tp.cfg.Height, n)
		if err != nil {
			return err
		}
		n++
		if err := p.Publish(data, "image/jpeg"); err != nil && !errors.Is(err, protocol.ErrBusy) {
			return err
		}
	}
}

// Pattern renders frame n of a gradient with a grid and a dot sweeping
// across it.
func Pattern(width, height, n int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	pix := img.Pix
	stride := img.Stride

	for y := 0; y < height; y++ {
		g := uint8(50 + (y * 100 / height))
		off := y * stride
		for x := 0; x < width; x++ {
			i := off + x*4
			pix[i+0] = uint8(50 + (x * 100 / width))
			pix[i+1] = g
			pix[i+2] = 100
			pix[i+3] = 255
		}
	}

	for x := 0; x < width; x += 40 {
		for y := 0; y < height; y++ {
			i := y*stride + x*4
			pix[i], pix[i+1], pix[i+2] = 255, 255, 255
		}
	}
	for y := 0; y < height; y += 40 {
		off := y * stride
		for x := 0; x < width; x++ {
			i := off + x*4
			pix[i], pix[i+1], pix[i+2] = 255, 255, 255
		}
	}

	cx := (n * 4) % width
	for dy := -6; dy <= 6; dy++ {
		for dx := -6; dx <= 6; dx++ {
			if dx*dx+dy*dy > 36 {
				continue
			}
			px, py := cx+dx, height/2+dy
			if px >= 0 && px < width && py >= 0 && py < height {
				i := py*stride + px*4
				pix[i], pix[i+1], pix[i+2] = 255, 80, 80
			}
		}
	}

	var buf bytes.Buffer
	buf.Grow(width * height / 4)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: patternQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
