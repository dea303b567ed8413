// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the queue length used when Config.BufferSize is not positive.
const DefaultBufferSize = 1024

// sinkTimeout bounds a single sink write so a stuck sink cannot stall the queue forever.
const sinkTimeout = 5 * time.Second

// Config configures a Dispatcher.
type Config struct {
	// BufferSize is the number of events that may be queued.
	BufferSize int
	// DropIfFull drops events instead of blocking the emitter when the queue is full.
	DropIfFull bool
	// OnDrop, if set, is called once for every dropped event.
	OnDrop func()
}

// Emitter accepts audit events. Components depend on this instead of the
// concrete Dispatcher.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Dispatcher delivers events to a Sink from a single background worker.
type Dispatcher struct {
	sink    Sink
	queue   chan Event
	cfg     Config
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher writing to sink.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	d := &Dispatcher{
		sink:  sink,
		queue: make(chan Event, cfg.BufferSize),
		cfg:   cfg,
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit queues an event. With DropIfFull it never blocks; otherwise it waits
// for room in the queue until ctx is done. Emitting after Close drops the event.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(event)
		return
	}

	if d.cfg.DropIfFull {
		select {
		case d.queue <- event:
		default:
			d.drop(event)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.drop(event)
	}
}

// Dropped returns the number of events that were never delivered to the sink.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Close stops accepting events and waits for queued events to be written.
// It is safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) drop(event Event) {
	d.dropped.Add(1)
	if d.cfg.OnDrop != nil {
		d.cfg.OnDrop()
	}
	slog.Warn("audit event dropped", "type", event.Type, "audit_id", event.ID)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		d.write(event)
	}
}

func (d *Dispatcher) write(event Event) {
	// emitter contexts belong to finished requests; delivery gets its own deadline
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("audit sink panicked", "type", event.Type, "audit_id", event.ID, "panic", r)
		}
	}()

	if err := d.sink.Write(ctx, event); err != nil {
		slog.Error("failed to write audit event", "type", event.Type, "audit_id", event.ID, "error", err)
	}
}
