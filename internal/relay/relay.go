// Package relay fans frames from one capture source out to viewer
// subscriptions. All relay state is owned by the goroutine running Run; every
// other method hands it an event.
package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"teleop-gateway/internal/config"
	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/session"
)

var (
	ErrClosed    = errors.New("relay: closed")
	ErrInboxFull = errors.New("relay: inbox full, frame dropped")
)

// Frame is one image unit from a capture source. Payload is shared between
// subscribers and must not be modified after Publish.
type Frame struct {
	Source      string
	Sequence    uint64
	ContentType string
	ProducedAt  time.Time
	Payload     []byte
}

// Config tunes queueing and eviction.
type Config struct {
	QueueDepth    int
	InboxSize     int
	StallTimeout  time.Duration
	StatsWindow   time.Duration
	SweepInterval time.Duration
}

// ConfigFrom maps the relay section of the gateway config.
func ConfigFrom(c config.Relay) Config {
	return Config{
		QueueDepth:   c.QueueDepth,
		InboxSize:    c.InboxSize,
		StallTimeout: c.StallTimeout,
		StatsWindow:  c.StatsWindow,
	}
}

func (c Config) withDefaults() Config {
	if c.QueueDepth < 1 {
		c.QueueDepth = 8
	}
	if c.InboxSize < 1 {
		c.InboxSize = 256
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 10 * time.Second
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	return c
}

type NoticeKind int

const (
	NoticeSourceUnavailable NoticeKind = iota
	NoticeSourceAvailable
	NoticeEvicted
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeSourceUnavailable:
		return "source_unavailable"
	case NoticeSourceAvailable:
		return "source_available"
	case NoticeEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Notice is an out of band signal delivered to a subscriber.
type Notice struct {
	Kind   NoticeKind
	Source string
	Reason string
}

type SubscriberStats struct {
	ID             string  `json:"id"`
	SessionID      string  `json:"session_id"`
	QueueDepth     int     `json:"queue_depth"`
	Enqueued       uint64  `json:"enqueued"`
	Dropped        uint64  `json:"dropped"`
	Delivered      uint64  `json:"delivered"`
	FPS            float64 `json:"fps"`
	BytesPerSecond float64 `json:"bytes_per_second"`
}

type Stats struct {
	Source         string            `json:"source"`
	Available      bool              `json:"available"`
	LastSequence   uint64            `json:"last_sequence"`
	Published      uint64            `json:"published"`
	Discarded      uint64            `json:"discarded"`
	OutOfOrder     uint64            `json:"out_of_order"`
	IngressDropped uint64            `json:"ingress_dropped"`
	Evicted        uint64            `json:"evicted"`
	FPS            float64           `json:"fps"`
	BytesPerSecond float64           `json:"bytes_per_second"`
	Subscribers    []SubscriberStats `json:"subscribers"`
}

type (
	publishEvent struct {
		frame Frame
	}
	subscribeEvent struct {
		sub   *Subscription
		reply chan error
	}
	unsubscribeEvent struct {
		id    string
		reply chan struct{}
	}
	sourceEvent struct {
		reason string
	}
	statsEvent struct {
		reply chan Stats
	}
	latestEvent struct {
		reply chan *Frame
	}
)

type subscriber struct {
	sub            *Subscription
	enqueued       uint64
	dropped        uint64
	saturatedSince time.Time
}

// offer enqueues f, discarding the oldest queued frame while the queue is
// full. The relay loop is the only sender, so the loop terminates.
func (s *subscriber) offer(f Frame, now time.Time) {
	if len(s.sub.frames) < cap(s.sub.frames) {
		s.saturatedSince = time.Time{}
	} else if s.saturatedSince.IsZero() {
		s.saturatedSince = now
	}

	for {
		select {
		case s.sub.frames <- f:
			s.enqueued++
			return
		default:
		}
		select {
		case <-s.sub.frames:
			s.dropped++
		default:
		}
	}
}

func (s *subscriber) notify(n Notice) {
	for {
		select {
		case s.sub.notices <- n:
			return
		default:
		}
		select {
		case <-s.sub.notices:
		default:
		}
	}
}

type Option func(*Relay)

// WithClock replaces time.Now for queue stall and rate accounting.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// Relay serves one capture source.
type Relay struct {
	source string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	inbox          chan any
	closed         chan struct{}
	ingressDropped atomic.Uint64

	// owned by Run
	subs       map[string]*subscriber
	ingress    *Meter
	latest     *Frame
	lastSeq    uint64
	available  bool
	downReason string
	published  uint64
	discarded  uint64
	outOfOrder uint64
	evicted    uint64
}

// New creates a relay for source. Run must be started for it to make progress.
func New(source string, cfg Config, logger *zap.Logger, opts ...Option) *Relay {
	cfg = cfg.withDefaults()
	r := &Relay{
		source:     source,
		cfg:        cfg,
		logger:     logger.With(zap.String("source", source)),
		now:        time.Now,
		inbox:      make(chan any, cfg.InboxSize),
		closed:     make(chan struct{}),
		subs:       make(map[string]*subscriber),
		downReason: "no frames received yet",
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ingress = NewMeter(cfg.StatsWindow, r.now)
	return r
}

// Source returns the capture source name.
func (r *Relay) Source() string { return r.source }

// Run processes events until ctx is done, then closes every subscription.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	defer r.shutdown()

	r.logger.Info("Frame relay started",
		zap.Int("queue_depth", r.cfg.QueueDepth),
		zap.Duration("stall_timeout", r.cfg.StallTimeout))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.inbox:
			r.handle(ev)
		case <-ticker.C:
			r.sweep()
		}
	}
}

// Publish hands f to the relay without blocking. ErrInboxFull means the relay
// loop is behind and the frame was dropped.
func (r *Relay) Publish(f Frame) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	if f.Source == "" {
		f.Source = r.source
	}
	select {
	case r.inbox <- publishEvent{frame: f}:
		return nil
	default:
		r.ingressDropped.Add(1)
		return ErrInboxFull
	}
}

// Subscribe registers a viewer session and moves it to Streaming.
func (r *Relay) Subscribe(ctx context.Context, sess *session.Session) (*Subscription, error) {
	if err := sess.Authorize(session.OpSubscribe); err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:        uuid.NewString(),
		sessionID: sess.ID(),
		source:    r.source,
		frames:    make(chan Frame, r.cfg.QueueDepth),
		notices:   make(chan Notice, 4),
		done:      make(chan struct{}),
		meter:     NewMeter(r.cfg.StatsWindow, r.now),
		relay:     r,
	}

	reply := make(chan error, 1)
	if err := r.send(ctx, subscribeEvent{sub: sub, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case err := <-reply:
		if err != nil {
			return nil, err
		}
	case <-r.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		go r.Unsubscribe(context.Background(), sub.id)
		return nil, ctx.Err()
	}

	sess.SetSource(r.source)
	if sess.State() == session.StateRegistered {
		if err := sess.BeginStreaming(); err != nil {
			_ = r.Unsubscribe(ctx, sub.id)
			return nil, err
		}
	}
	return sub, nil
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (r *Relay) Unsubscribe(ctx context.Context, id string) error {
	reply := make(chan struct{})
	if err := r.send(ctx, unsubscribeEvent{id: id, reply: reply}); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	select {
	case <-reply:
	case <-r.closed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// SourceDown tells every subscriber the capture source is gone. The next
// published frame marks it available again.
func (r *Relay) SourceDown(ctx context.Context, reason string) error {
	return r.send(ctx, sourceEvent{reason: reason})
}

// Stats returns a snapshot of relay counters.
func (r *Relay) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := r.send(ctx, statsEvent{reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-r.closed:
		return Stats{}, ErrClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Latest returns the newest frame while the source is available.
func (r *Relay) Latest(ctx context.Context) (Frame, error) {
	reply := make(chan *Frame, 1)
	if err := r.send(ctx, latestEvent{reply: reply}); err != nil {
		return Frame{}, err
	}
	select {
	case f := <-reply:
		if f == nil {
			return Frame{}, protocol.Errorf(protocol.KindSourceUnavailable, "source %s has no frame", r.source)
		}
		return *f, nil
	case <-r.closed:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (r *Relay) send(ctx context.Context, ev any) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	select {
	case r.inbox <- ev:
		return nil
	case <-r.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) handle(ev any) {
	switch e := ev.(type) {
	case publishEvent:
		r.publish(e.frame)
	case subscribeEvent:
		e.reply <- r.subscribe(e.sub)
	case unsubscribeEvent:
		r.remove(e.id, "unsubscribed")
		close(e.reply)
	case sourceEvent:
		r.sourceDown(e.reason)
	case statsEvent:
		e.reply <- r.stats()
	case latestEvent:
		if r.available && r.latest != nil {
			f := *r.latest
			e.reply <- &f
		} else {
			e.reply <- nil
		}
	}
}

func (r *Relay) publish(f Frame) {
	if f.Sequence == 0 {
		f.Sequence = r.lastSeq + 1
	}
	if f.Sequence <= r.lastSeq {
		r.outOfOrder++
		r.logger.Debug("Dropping out of order frame",
			zap.Uint64("sequence", f.Sequence),
			zap.Uint64("last_sequence", r.lastSeq))
		return
	}
	r.lastSeq = f.Sequence
	if f.ProducedAt.IsZero() {
		f.ProducedAt = r.now()
	}

	r.published++
	r.ingress.Record(len(f.Payload))
	r.latest = &f

	if !r.available {
		r.available = true
		r.downReason = ""
		r.logger.Info("Capture source available", zap.Uint64("sequence", f.Sequence))
		r.broadcast(Notice{Kind: NoticeSourceAvailable, Source: r.source})
	}

	if len(r.subs) == 0 {
		r.discarded++
		return
	}

	now := r.now()
	for id, s := range r.subs {
		s.offer(f, now)
		if r.stalled(s, now) {
			r.evict(id, s)
		}
	}
}

func (r *Relay) subscribe(sub *Subscription) error {
	for _, s := range r.subs {
		if s.sub.sessionID == sub.sessionID {
			return protocol.Errorf(protocol.KindProtocolViolation, "session %s already subscribed to %s", sub.sessionID, r.source)
		}
	}

	s := &subscriber{sub: sub}
	r.subs[sub.id] = s
	r.logger.Info("Viewer subscribed",
		zap.String("subscription_id", sub.id),
		zap.String("session_id", sub.sessionID),
		zap.Int("subscribers", len(r.subs)))

	if !r.available {
		s.notify(Notice{Kind: NoticeSourceUnavailable, Source: r.source, Reason: r.downReason})
	}
	return nil
}

func (r *Relay) remove(id, reason string) {
	s, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	close(s.sub.done)
	r.logger.Info("Viewer unsubscribed",
		zap.String("subscription_id", id),
		zap.String("session_id", s.sub.sessionID),
		zap.String("reason", reason),
		zap.Uint64("dropped", s.dropped))
}

func (r *Relay) evict(id string, s *subscriber) {
	r.evicted++
	s.notify(Notice{Kind: NoticeEvicted, Source: r.source, Reason: "subscriber queue stalled"})
	r.remove(id, "evicted after sustained backpressure")
}

func (r *Relay) stalled(s *subscriber, now time.Time) bool {
	return !s.saturatedSince.IsZero() && now.Sub(s.saturatedSince) >= r.cfg.StallTimeout
}

func (r *Relay) sweep() {
	now := r.now()
	for id, s := range r.subs {
		if len(s.sub.frames) < cap(s.sub.frames) {
			s.saturatedSince = time.Time{}
			continue
		}
		if r.stalled(s, now) {
			r.evict(id, s)
		}
	}
}

func (r *Relay) sourceDown(reason string) {
	if !r.available && r.downReason == reason {
		return
	}
	r.available = false
	r.downReason = reason
	r.logger.Warn("Capture source unavailable",
		zap.String("reason", reason),
		zap.Int("subscribers", len(r.subs)))
	r.broadcast(Notice{Kind: NoticeSourceUnavailable, Source: r.source, Reason: reason})
}

func (r *Relay) broadcast(n Notice) {
	for _, s := range r.subs {
		s.notify(n)
	}
}

func (r *Relay) stats() Stats {
	fps, bps := r.ingress.Rate()
	st := Stats{
		Source:         r.source,
		Available:      r.available,
		LastSequence:   r.lastSeq,
		Published:      r.published,
		Discarded:      r.discarded,
		OutOfOrder:     r.outOfOrder,
		IngressDropped: r.ingressDropped.Load(),
		Evicted:        r.evicted,
		FPS:            fps,
		BytesPerSecond: bps,
		Subscribers:    make([]SubscriberStats, 0, len(r.subs)),
	}
	for id, s := range r.subs {
		sfps, sbps := s.sub.meter.Rate()
		delivered, _ := s.sub.meter.Totals()
		st.Subscribers = append(st.Subscribers, SubscriberStats{
			ID:             id,
			SessionID:      s.sub.sessionID,
			QueueDepth:     len(s.sub.frames),
			Enqueued:       s.enqueued,
			Dropped:        s.dropped,
			Delivered:      delivered,
			FPS:            sfps,
			BytesPerSecond: sbps,
		})
	}
	return st
}

func (r *Relay) shutdown() {
	close(r.closed)
	for id, s := range r.subs {
		delete(r.subs, id)
		close(s.sub.done)
	}
	r.logger.Info("Frame relay stopped", zap.Uint64("published", r.published))
}
