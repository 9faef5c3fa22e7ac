package relay

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"teleop-gateway/internal/protocol"
)

// Hub holds one relay per configured capture source. The set of sources is
// fixed at construction.
type Hub struct {
	names  []string
	relays map[string]*Relay
}

// NewHub creates one relay per named source.
func NewHub(sources []string, cfg Config, logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{relays: make(map[string]*Relay, len(sources))}
	for _, name := range sources {
		if _, dup := h.relays[name]; dup {
			continue
		}
		h.names = append(h.names, name)
		h.relays[name] = New(name, cfg, logger, opts...)
	}
	return h
}

// Get resolves a source name; empty selects the first source.
func (h *Hub) Get(name string) (*Relay, error) {
	if name == "" {
		if len(h.names) == 0 {
			return nil, protocol.Errorf(protocol.KindSourceUnavailable, "no capture sources configured")
		}
		name = h.names[0]
	}
	r, ok := h.relays[name]
	if !ok {
		return nil, protocol.Errorf(protocol.KindSourceUnavailable, "unknown source %q", name)
	}
	return r, nil
}

// Names lists the configured sources in order.
func (h *Hub) Names() []string {
	return append([]string(nil), h.names...)
}

// Run drives every relay until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range h.names {
		r := h.relays[name]
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}

// Stats collects a snapshot from every relay.
func (h *Hub) Stats(ctx context.Context) ([]Stats, error) {
	out := make([]Stats, 0, len(h.names))
	for _, name := range h.names {
		st, err := h.relays[name].Stats(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
