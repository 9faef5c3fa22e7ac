// Package robot is the boundary to the robot motion service.
package robot

import (
	"context"
	"sync"
	"time"
)

// Command is what the motion service receives.
type Command struct {
	ID         string
	Action     string
	Parameters map[string]any
	Origin     string
}

// Result is the motion service's answer.
type Result struct {
	Accepted bool
	Message  string
}

// Motion executes commands on a robot.
type Motion interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// Recorder is an in-memory Motion that records every command it receives.
// Delay simulates a slow robot and honours ctx cancellation.
type Recorder struct {
	Delay time.Duration

	mu    sync.Mutex
	calls []Command
	fail  map[string]error
}

func NewRecorder() *Recorder {
	return &Recorder{fail: make(map[string]error)}
}

// FailOn makes every command with action return err.
func (r *Recorder) FailOn(action string, err error) {
	r.mu.Lock()
	r.fail[action] = err
	r.mu.Unlock()
}

func (r *Recorder) Execute(ctx context.Context, cmd Command) (Result, error) {
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
	if err := r.fail[cmd.Action]; err != nil {
		return Result{}, err
	}
	return Result{Accepted: true, Message: cmd.Action + " executed"}, nil
}

// Calls returns the commands executed so far, in order.
func (r *Recorder) Calls() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.calls...)
}

// Actions returns the action names executed so far, in order.
func (r *Recorder) Actions() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Action
	}
	return out
}
