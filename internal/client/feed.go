package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tier is the video transport currently feeding frames.
type Tier int

const (
	TierWebSocket Tier = iota
	TierSnapshot
)

func (t Tier) String() string {
	if t == TierSnapshot {
		return "snapshot"
	}
	return "websocket"
}

// feed tracks when the last pushed frame arrived and which tier is active.
type feed struct {
	mu        sync.Mutex
	lastFrame time.Time
	tier      Tier
	lastSeq   uint64
}

func newFeed(now time.Time) *feed {
	return &feed{lastFrame: now}
}

func (f *feed) current() Tier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tier
}

// framed records a pushed frame. It reports whether the feed switched back
// to the WebSocket tier.
func (f *feed) framed(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFrame = now
	if f.tier == TierSnapshot {
		f.tier = TierWebSocket
		return true
	}
	return false
}

// stale reports whether no pushed frame arrived within timeout, and whether
// that moved the feed to the snapshot tier.
func (f *feed) stale(now time.Time, timeout time.Duration) (stale, switched bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if now.Sub(f.lastFrame) < timeout {
		return false, false
	}
	if f.tier == TierWebSocket {
		f.tier = TierSnapshot
		return true, true
	}
	return true, false
}

// fresh reports whether a polled sequence is new.
func (f *feed) fresh(seq uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq != 0 && seq == f.lastSeq {
		return false
	}
	f.lastSeq = seq
	return true
}

// runFeed polls snapshots whenever pushed frames stop for FrameTimeout.
func (c *Client) runFeed(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			stale, switched := c.feed.stale(now, c.cfg.FrameTimeout)
			if !stale {
				continue
			}
			if switched {
				c.logger.Info("No frames over WebSocket, polling snapshots",
					zap.Duration("frame_timeout", c.cfg.FrameTimeout))
				c.emit(ctx, Event{Type: EventTier, Tier: TierSnapshot})
			}

			reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
			f, err := c.rest.snapshot(reqCtx, c.cfg.Source)
			cancel()
			if err != nil {
				c.logger.Debug("Snapshot unavailable", zap.Error(err))
				continue
			}
			if c.feed.current() == TierSnapshot && c.feed.fresh(f.Sequence) {
				c.emitFrame(Event{Type: EventFrame, Frame: &f, Tier: TierSnapshot})
			}
		}
	}
}
