package relay

import (
	"context"
	"time"
)

// Subscription is one viewer's bounded frame queue.
type Subscription struct {
	id        string
	sessionID string
	source    string
	frames    chan Frame
	notices   chan Notice
	done      chan struct{}
	meter     *Meter
	relay     *Relay
}

func (s *Subscription) ID() string        { return s.id }
func (s *Subscription) SessionID() string { return s.sessionID }
func (s *Subscription) Source() string    { return s.source }

// C yields queued frames in sequence order.
func (s *Subscription) C() <-chan Frame { return s.frames }

// Notices yields source availability and eviction signals.
func (s *Subscription) Notices() <-chan Notice { return s.notices }

// Done is closed once the relay has dropped the subscription.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// MarkDelivered records that f reached the viewer.
func (s *Subscription) MarkDelivered(f Frame) {
	s.meter.Record(len(f.Payload))
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.relay.Unsubscribe(ctx, s.id)
}
