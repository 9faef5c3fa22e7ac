// Package dispatch validates motion commands and forwards them to the robot
// from a single worker. Emergency stops travel on a separate urgent queue
// that the worker always drains first.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"teleop-gateway/internal/config"
	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/robot"
	"teleop-gateway/internal/session"
)

// AckStatus is the outcome carried by an Ack.
type AckStatus string

const (
	AckOK        AckStatus = "ok"
	AckRejected  AckStatus = "rejected"
	AckFailed    AckStatus = "failed"
	AckPreempted AckStatus = "preempted"
)

// Command is a validated, transient control instruction.
type Command struct {
	ID         string
	Action     Action
	Parameters map[string]any
	Origin     string
	Subject    string
	Path       string
	IssuedAt   time.Time
}

// Ack answers one command.
type Ack struct {
	CommandID   string
	Action      Action
	Status      AckStatus
	Message     string
	Err         error
	CompletedAt time.Time
}

// Ticket tracks a queued command until its Ack is ready.
type Ticket struct {
	cmd  Command
	seq  uint64
	done chan Ack
	once sync.Once
}

func (t *Ticket) Command() Command { return t.cmd }

// Done yields the Ack exactly once.
func (t *Ticket) Done() <-chan Ack { return t.done }

// Wait blocks for the Ack or until ctx is done, in which case a Timeout
// error is returned. The command itself is not withdrawn.
func (t *Ticket) Wait(ctx context.Context) (Ack, error) {
	select {
	case ack := <-t.done:
		return ack, nil
	case <-ctx.Done():
		return Ack{}, protocol.Errorf(protocol.KindTimeout, "no acknowledgment for %s %s", t.cmd.Action, t.cmd.ID)
	}
}

func (t *Ticket) resolve(ack Ack) {
	t.once.Do(func() {
		ack.CommandID = t.cmd.ID
		ack.Action = t.cmd.Action
		if ack.CompletedAt.IsZero() {
			ack.CompletedAt = time.Now()
		}
		t.done <- ack
	})
}

var errStopped = protocol.Errorf(protocol.KindTimeout, "dispatcher stopped")

type Option func(*Dispatcher)

// OnEmergencyStop registers fn to run after each emergency stop reached the
// robot.
func OnEmergencyStop(fn func(Command, Ack)) Option {
	return func(d *Dispatcher) { d.onStop = append(d.onStop, fn) }
}

// Dispatcher forwards commands to a robot.Motion.
type Dispatcher struct {
	motion         robot.Motion
	logger         *zap.Logger
	commandTimeout time.Duration
	stopRoles      map[session.Role]bool
	limits         atomic.Pointer[config.CommandLimits]
	onStop         []func(Command, Ack)

	normal  chan *Ticket
	urgent  chan *Ticket
	stopped chan struct{}
	seq     atomic.Uint64

	mu              sync.Mutex
	lastStopSeq     uint64
	executedStopSeq uint64
	inflight       *Ticket
	inflightCancel context.CancelFunc
}

// New creates a dispatcher for motion. Commands queue until Run starts.
func New(motion robot.Motion, cfg config.Dispatch, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		motion:         motion,
		logger:         logger,
		commandTimeout: cfg.CommandTimeout,
		stopRoles:      make(map[session.Role]bool),
		normal:         make(chan *Ticket, cfg.QueueSize),
		urgent:         make(chan *Ticket, 16),
		stopped:        make(chan struct{}),
	}
	for _, r := range cfg.StopRoles {
		if role, err := session.ParseRole(r); err == nil {
			d.stopRoles[role] = true
		}
	}
	limits := cfg.Limits
	d.limits.Store(&limits)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetLimits swaps the parameter bounds used for new commands.
func (d *Dispatcher) SetLimits(l config.CommandLimits) {
	d.limits.Store(&l)
	d.logger.Info("Command limits updated")
}

// Limits returns the bounds currently applied to new commands.
func (d *Dispatcher) Limits() config.CommandLimits {
	return *d.limits.Load()
}

// Dispatch validates cmd for sess and queues it. An emergency_stop action is
// routed to EmergencyStop.
func (d *Dispatcher) Dispatch(sess *session.Session, cmd Command) (*Ticket, error) {
	if cmd.Action == ActionEmergencyStop {
		return d.EmergencyStop(sess, cmd)
	}

	if err := sess.Authorize(session.OpCommand); err != nil {
		d.logger.Warn("Command rejected",
			zap.String("session_id", sess.ID()),
			zap.String("action", string(cmd.Action)),
			zap.Error(err))
		return nil, err
	}

	params, err := Normalize(cmd.Action, cmd.Parameters, d.Limits())
	if err != nil {
		d.logger.Info("Invalid command",
			zap.String("session_id", sess.ID()),
			zap.String("action", string(cmd.Action)),
			zap.Error(err))
		return nil, err
	}
	cmd.Parameters = params

	t := d.ticket(sess, cmd)
	select {
	case <-d.stopped:
		return nil, errStopped
	default:
	}
	select {
	case d.normal <- t:
	default:
		return nil, protocol.Errorf(protocol.KindBusy, "command queue full")
	}

	d.logger.Debug("Command queued",
		zap.String("command_id", t.cmd.ID),
		zap.String("action", string(t.cmd.Action)),
		zap.String("path", t.cmd.Path),
		zap.String("session_id", sess.ID()))
	return t, nil
}

// EmergencyStop preempts every motion command issued before it and reaches the
// robot ahead of every command issued after it.
func (d *Dispatcher) EmergencyStop(sess *session.Session, cmd Command) (*Ticket, error) {
	if err := sess.Authorize(session.OpEmergencyStop); err != nil {
		return nil, err
	}
	if role := sess.Role(); !d.stopRoles[role] {
		return nil, protocol.Errorf(protocol.KindUnauthorized, "role %s may not issue emergency stop", role)
	}

	cmd.Action = ActionEmergencyStop
	cmd.Parameters = nil
	t := d.ticket(sess, cmd)

	d.mu.Lock()
	if t.seq > d.lastStopSeq {
		d.lastStopSeq = t.seq
	}
	if d.inflight != nil && d.inflight.seq < t.seq {
		d.inflightCancel()
	}
	d.mu.Unlock()

	select {
	case d.urgent <- t:
	case <-d.stopped:
		return nil, errStopped
	}

	d.logger.Warn("Emergency stop requested",
		zap.String("command_id", t.cmd.ID),
		zap.String("path", t.cmd.Path),
		zap.String("session_id", sess.ID()),
		zap.String("subject", sess.Subject()))
	return t, nil
}

func (d *Dispatcher) ticket(sess *session.Session, cmd Command) *Ticket {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	cmd.Origin = sess.ID()
	cmd.Subject = sess.Subject()
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now()
	}
	return &Ticket{
		cmd:  cmd,
		seq:  d.seq.Add(1),
		done: make(chan Ack, 1),
	}
}

// Run is the single worker. It returns when ctx is done after failing every
// queued command.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.drain()

	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case t := <-d.urgent:
			d.stop(ctx, t)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case t := <-d.urgent:
			d.stop(ctx, t)
		case t := <-d.normal:
			// a stop that raced in with t still goes first
			d.flushUrgent(ctx)
			d.awaitStops(ctx)
			d.execute(ctx, t)
		}
	}
}

func (d *Dispatcher) flushUrgent(ctx context.Context) {
	for {
		select {
		case t := <-d.urgent:
			d.stop(ctx, t)
		default:
			return
		}
	}
}

// awaitStops blocks until every announced emergency stop has reached the
// robot. EmergencyStop publishes lastStopSeq before its ticket lands on urgent.
func (d *Dispatcher) awaitStops(ctx context.Context) {
	for {
		d.mu.Lock()
		pending := d.executedStopSeq < d.lastStopSeq
		d.mu.Unlock()
		if !pending {
			return
		}
		select {
		case t := <-d.urgent:
			d.stop(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, t *Ticket) {
	d.mu.Lock()
	if t.seq < d.lastStopSeq {
		d.mu.Unlock()
		t.resolve(Ack{Status: AckPreempted, Message: "preempted by emergency stop"})
		return
	}
	cctx, cancel := d.commandContext(ctx)
	d.inflight = t
	d.inflightCancel = cancel
	d.mu.Unlock()

	res, err := d.motion.Execute(cctx, d.robotCommand(t.cmd))

	d.mu.Lock()
	d.inflight = nil
	d.inflightCancel = nil
	preempted := t.seq < d.lastStopSeq
	d.mu.Unlock()
	cancel()

	switch {
	case err != nil && preempted && errors.Is(err, context.Canceled):
		t.resolve(Ack{Status: AckPreempted, Message: "preempted by emergency stop"})
	case err != nil:
		d.logger.Error("Robot rejected command",
			zap.String("command_id", t.cmd.ID),
			zap.String("action", string(t.cmd.Action)),
			zap.Error(err))
		t.resolve(Ack{Status: AckFailed, Message: err.Error(), Err: err})
	case !res.Accepted:
		t.resolve(Ack{Status: AckRejected, Message: res.Message})
	default:
		t.resolve(Ack{Status: AckOK, Message: res.Message})
	}
}

func (d *Dispatcher) stop(ctx context.Context, t *Ticket) {
	// the stop must reach the robot even while shutting down
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout())
	defer cancel()

	res, err := d.motion.Execute(cctx, d.robotCommand(t.cmd))

	d.mu.Lock()
	if t.seq > d.executedStopSeq {
		d.executedStopSeq = t.seq
	}
	d.mu.Unlock()

	var ack Ack
	switch {
	case err != nil:
		d.logger.Error("Emergency stop failed",
			zap.String("command_id", t.cmd.ID),
			zap.Error(err))
		ack = Ack{Status: AckFailed, Message: err.Error(), Err: err}
	case !res.Accepted:
		ack = Ack{Status: AckRejected, Message: res.Message}
	default:
		d.logger.Warn("Emergency stop executed", zap.String("command_id", t.cmd.ID))
		ack = Ack{Status: AckOK, Message: res.Message}
	}
	t.resolve(ack)

	for _, fn := range d.onStop {
		fn(t.cmd, ack)
	}
}

func (d *Dispatcher) drain() {
	close(d.stopped)
	for {
		select {
		case t := <-d.urgent:
			t.resolve(Ack{Status: AckFailed, Message: errStopped.Error(), Err: errStopped})
		case t := <-d.normal:
			t.resolve(Ack{Status: AckFailed, Message: errStopped.Error(), Err: errStopped})
		default:
			return
		}
	}
}

func (d *Dispatcher) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout())
}

func (d *Dispatcher) timeout() time.Duration {
	if d.commandTimeout > 0 {
		return d.commandTimeout
	}
	return 3 * time.Second
}

func (d *Dispatcher) robotCommand(cmd Command) robot.Command {
	return robot.Command{
		ID:         cmd.ID,
		Action:     string(cmd.Action),
		Parameters: cmd.Parameters,
		Origin:     cmd.Origin,
	}
}
