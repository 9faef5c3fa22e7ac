// Package capture accepts frames from capture producers and publishes them to
// the relay of their source.
package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"teleop-gateway/internal/config"
	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/relay"
)

// Ingest stamps frames with a per-source sequence and publishes them. At
// most one streaming producer may be attached to a source at a time; one-off
// HTTP uploads share the same sequence.
type Ingest struct {
	hub          *relay.Hub
	logger       *zap.Logger
	maxFrameSize int
	contentType  string

	mu      sync.Mutex
	seq     map[string]uint64
	holders map[string]*Producer
}

func NewIngest(hub *relay.Hub, cfg config.Video, logger *zap.Logger) *Ingest {
	ct := cfg.ContentType
	if ct == "" {
		ct = "image/jpeg"
	}
	return &Ingest{
		hub:          hub,
		logger:       logger,
		maxFrameSize: cfg.MaxFrameSize,
		contentType:  ct,
		seq:          make(map[string]uint64),
		holders:      make(map[string]*Producer),
	}
}

// Push publishes a single frame to source.
func (in *Ingest) Push(source string, payload []byte, contentType string) (relay.Frame, error) {
	r, err := in.hub.Get(source)
	if err != nil {
		return relay.Frame{}, err
	}
	f, err := in.frame(r.Source(), payload, contentType)
	if err != nil {
		return relay.Frame{}, err
	}
	if err := r.Publish(f); err != nil {
		return f, publishError(err)
	}
	return f, nil
}

// Attach claims source for a streaming producer.
func (in *Ingest) Attach(source, owner string) (*Producer, error) {
	r, err := in.hub.Get(source)
	if err != nil {
		return nil, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if cur, ok := in.holders[r.Source()]; ok {
		return nil, protocol.Errorf(protocol.KindBusy, "source %s already captured by %s", r.Source(), cur.owner)
	}
	p := &Producer{ingest: in, relay: r, owner: owner}
	in.holders[r.Source()] = p

	in.logger.Info("Capture producer attached",
		zap.String("source", r.Source()),
		zap.String("owner", owner))
	return p, nil
}

func (in *Ingest) frame(source string, payload []byte, contentType string) (relay.Frame, error) {
	if len(payload) == 0 {
		return relay.Frame{}, protocol.Errorf(protocol.KindInvalidCommand, "empty frame")
	}
	if in.maxFrameSize > 0 && len(payload) > in.maxFrameSize {
		return relay.Frame{}, protocol.Errorf(protocol.KindInvalidCommand, "frame of %d bytes exceeds %d", len(payload), in.maxFrameSize)
	}
	if contentType == "" {
		contentType = in.contentType
	}
	if !strings.HasPrefix(contentType, "image/") {
		return relay.Frame{}, protocol.Errorf(protocol.KindInvalidCommand, "unsupported content type %q", contentType)
	}

	in.mu.Lock()
	in.seq[source]++
	seq := in.seq[source]
	in.mu.Unlock()

	return relay.Frame{
		Source:      source,
		Sequence:    seq,
		ContentType: contentType,
		ProducedAt:  time.Now(),
		Payload:     payload,
	}, nil
}

func (in *Ingest) release(p *Producer) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.holders[p.relay.Source()] == p {
		delete(in.holders, p.relay.Source())
	}
}

func publishError(err error) error {
	switch {
	case errors.Is(err, relay.ErrInboxFull):
		return protocol.Errorf(protocol.KindBusy, "relay behind, frame dropped")
	case errors.Is(err, relay.ErrClosed):
		return protocol.Errorf(protocol.KindSourceUnavailable, "relay closed")
	}
	return err
}

// Producer is an attached streaming capture producer.
type Producer struct {
	ingest *Ingest
	relay  *relay.Relay
	owner  string
	once   sync.Once
}

func (p *Producer) Source() string { return p.relay.Source() }

// Publish stamps and publishes one frame. A dropped frame is reported but the
// producer stays attached.
func (p *Producer) Publish(payload []byte, contentType string) error {
	f, err := p.ingest.frame(p.relay.Source(), payload, contentType)
	if err != nil {
		return err
	}
	if err := p.relay.Publish(f); err != nil {
		return publishError(err)
	}
	return nil
}

// Detach releases the source and tells its viewers it is gone.
func (p *Producer) Detach(reason string) {
	p.once.Do(func() {
		p.ingest.release(p)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.relay.SourceDown(ctx, reason); err != nil && !errors.Is(err, relay.ErrClosed) {
			p.ingest.logger.Warn("Failed to signal source down",
				zap.String("source", p.relay.Source()),
				zap.Error(err))
		}
		p.ingest.logger.Info("Capture producer detached",
			zap.String("source", p.relay.Source()),
			zap.String("owner", p.owner),
			zap.String("reason", reason))
	})
}
