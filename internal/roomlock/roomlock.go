// Package roomlock serializes edit-generating requests per room and tells
// room members who is waiting and who is being served.
package roomlock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/collab-go/pkg/types"
)

// Announcer delivers processing notices to a room. exclude names an
// identity that should not receive the message; empty means everyone.
type Announcer interface {
	Broadcast(room string, msg any, exclude string) error
}

// Holder identifies who is acquiring a gate.
type Holder struct {
	ID   string
	Name string
}

type gate struct {
	ch      chan struct{}
	waiters int
}

// Coordinator hands out one gate per room. At most one holder per room is
// inside the gate at a time; rooms are independent.
type Coordinator struct {
	mu        sync.Mutex
	gates     map[string]*gate
	announcer Announcer
	logger    *slog.Logger
}

// NewCoordinator creates a coordinator. announcer may be nil.
func NewCoordinator(announcer Announcer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		gates:     make(map[string]*gate),
		announcer: announcer,
		logger:    logger,
	}
}

// Lease is a held gate. Release is idempotent.
type Lease struct {
	c        *Coordinator
	room     string
	g        *gate
	announce bool
	once     sync.Once
}

// Option adjusts a single acquisition.
type Option func(*acquireOptions)

type acquireOptions struct {
	silent bool
}

// Silent acquires without queued, started or done notices.
func Silent() Option {
	return func(o *acquireOptions) { o.silent = true }
}

// Acquire blocks until the caller holds the room gate or ctx is done.
// When the gate is busy every member is told the caller is queued; once
// acquired, everyone except the caller is told processing started.
func (c *Coordinator) Acquire(ctx context.Context, room string, who Holder, opts ...Option) (*Lease, error) {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	g, ok := c.gates[room]
	if !ok {
		g = &gate{ch: make(chan struct{}, 1)}
		c.gates[room] = g
		metrics.GateRooms.Inc()
	}
	g.waiters++
	busy := len(g.ch) == 1
	c.mu.Unlock()
	metrics.GateWaiters.Inc()

	if busy && !o.silent {
		c.announce(room, types.ProcessingMessage{
			Type:     types.MessageTypeProcessing,
			Status:   types.ProcessingQueued,
			QueuedBy: who.Name,
			Message:  fmt.Sprintf("%s's request is waiting, another message is being processed", who.Name),
		}, "")
	}

	start := time.Now()
	select {
	case g.ch <- struct{}{}:
	case <-ctx.Done():
		c.abandon(room, g)
		return nil, fmt.Errorf("acquire room %s: %w", room, ctx.Err())
	}
	metrics.GateWaitDuration.Observe(time.Since(start).Seconds())

	if !o.silent {
		c.announce(room, types.ProcessingMessage{
			Type:        types.MessageTypeProcessing,
			Status:      types.ProcessingStarted,
			ProcessedBy: who.Name,
			Message:     fmt.Sprintf("Processing %s's message...", who.Name),
		}, who.ID)
	}

	return &Lease{c: c, room: room, g: g, announce: !o.silent}, nil
}

// Release gives the gate back and always tells the room processing is done.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.c.release(l.room, l.g)
		if l.announce {
			l.c.announce(l.room, types.ProcessingMessage{
				Type:   types.MessageTypeProcessing,
				Status: types.ProcessingDone,
			}, "")
		}
	})
}

func (c *Coordinator) release(room string, g *gate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g.waiters--
	<-g.ch
	c.dropIfIdle(room, g)
	metrics.GateWaiters.Dec()
}

// abandon undoes the waiter registration of a cancelled acquisition.
func (c *Coordinator) abandon(room string, g *gate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g.waiters--
	c.dropIfIdle(room, g)
	metrics.GateWaiters.Dec()
}

func (c *Coordinator) dropIfIdle(room string, g *gate) {
	if g.waiters > 0 {
		return
	}
	if cur, ok := c.gates[room]; ok && cur == g {
		delete(c.gates, room)
		metrics.GateRooms.Dec()
	}
}

// Waiters returns how many requests hold or wait for the room gate.
func (c *Coordinator) Waiters(room string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gates[room]; ok {
		return g.waiters
	}
	return 0
}

// Rooms returns how many rooms currently have a gate.
func (c *Coordinator) Rooms() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gates)
}

func (c *Coordinator) announce(room string, msg types.ProcessingMessage, exclude string) {
	if c.announcer == nil {
		return
	}
	if err := c.announcer.Broadcast(room, msg, exclude); err != nil {
		c.logger.Warn("processing announcement failed",
			slog.String("room", room),
			slog.String("status", string(msg.Status)),
			slog.String("error", err.Error()),
		)
	}
}
