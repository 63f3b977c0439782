package transport

import (
	"context"
	"fmt"
	"sync"
)

// Loopback delivers envelopes to in-process receivers. Envelopes are passed
// through the wire codec so receivers never share memory with the sender.
type Loopback struct {
	mu        sync.RWMutex
	receivers map[string]Receiver
	down      map[string]error
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{
		receivers: make(map[string]Receiver),
		down:      make(map[string]error),
	}
}

// Register routes target to r.
func (l *Loopback) Register(target string, r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receivers[target] = r
}

// Fail makes every send to target fail with err until Heal.
func (l *Loopback) Fail(target string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down[target] = err
}

// Heal clears a failure set by Fail.
func (l *Loopback) Heal(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.down, target)
}

// Send implements Transport.
func (l *Loopback) Send(ctx context.Context, target string, env Envelope) (Ack, error) {
	l.mu.RLock()
	r, ok := l.receivers[target]
	failure := l.down[target]
	l.mu.RUnlock()

	if failure != nil {
		return Ack{}, failure
	}
	if !ok {
		return Ack{}, fmt.Errorf("loopback: no receiver for target %s", target)
	}

	wire, err := Encode(env)
	if err != nil {
		return Ack{}, err
	}
	var copied Envelope
	if err := Decode(wire, &copied); err != nil {
		return Ack{}, err
	}
	if err := copied.Verify(); err != nil {
		return Ack{}, err
	}

	ack, err := r.Receive(ctx, copied)
	if err != nil {
		return Ack{}, err
	}
	if ack.Conflict != nil {
		return ack, &ConflictError{Target: target, Report: *ack.Conflict}
	}
	return ack, nil
}

// Install implements Transport.
func (l *Loopback) Install(ctx context.Context, target string, snap Snapshot) error {
	l.mu.RLock()
	r, ok := l.receivers[target]
	failure := l.down[target]
	l.mu.RUnlock()

	if failure != nil {
		return failure
	}
	if !ok {
		return fmt.Errorf("loopback: no receiver for target %s", target)
	}

	wire, err := Encode(snap)
	if err != nil {
		return err
	}
	var copied Snapshot
	if err := Decode(wire, &copied); err != nil {
		return err
	}
	return r.Install(ctx, copied)
}
