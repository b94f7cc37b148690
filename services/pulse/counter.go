// services/pulse/counter.go
package pulse

import (
	"context"
	"sync/atomic"
	"time"
)

type Edge uint8

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
	EdgeBoth
)

// IRQPin is an input pin that can call back on edges.
type IRQPin interface {
	Get() bool
	SetIRQ(edge Edge, handler func()) error
	ClearIRQ() error
}

// Counter counts debounced edges on one pin, typically a tipping-bucket
// rain gauge. The interrupt handler only samples the level and queues it;
// debounce and edge detection run on the counter goroutine.
type Counter struct {
	pin      IRQPin
	edge     Edge
	debounce time.Duration
	invert   bool

	// Written by ISR; must not block.
	isrQ chan bool

	count atomic.Uint32
	drops atomic.Uint32

	lastLevel bool
	lastEvent time.Time

	stopped chan struct{}
}

// New creates a counter. debounce suppresses edges closer together than the
// given duration; reed switches on rain gauges bounce for a few ms.
func New(pin IRQPin, edge Edge, debounce time.Duration, invert bool) *Counter {
	return &Counter{
		pin:      pin,
		edge:     edge,
		debounce: debounce,
		invert:   invert,
		isrQ:     make(chan bool, 64),
		stopped:  make(chan struct{}),
	}
}

// Start installs the interrupt handler and runs until ctx is done.
func (c *Counter) Start(ctx context.Context) error {
	c.lastLevel = c.level(c.pin.Get())
	handler := func() {
		select {
		case c.isrQ <- c.pin.Get():
		default:
			c.drops.Add(1)
		}
	}
	if c.edge != EdgeNone {
		if err := c.pin.SetIRQ(c.edge, handler); err != nil {
			return err
		}
	}
	go func() {
		defer close(c.stopped)
		defer func() { _ = c.pin.ClearIRQ() }()
		for {
			select {
			case <-ctx.Done():
				return
			case l := <-c.isrQ:
				c.handle(l, time.Now())
			}
		}
	}()
	return nil
}

// Done is closed after the counter goroutine exits.
func (c *Counter) Done() <-chan struct{} { return c.stopped }

func (c *Counter) level(raw bool) bool {
	if c.invert {
		return !raw
	}
	return raw
}

func (c *Counter) handle(raw bool, now time.Time) {
	l := c.level(raw)
	if !c.lastEvent.IsZero() && now.Sub(c.lastEvent) < c.debounce {
		return
	}
	var e Edge
	switch {
	case !c.lastLevel && l:
		e = EdgeRising
	case c.lastLevel && !l:
		e = EdgeFalling
	default:
		return
	}
	if c.edge == EdgeBoth || c.edge == e {
		c.count.Add(1)
	}
	c.lastLevel = l
	c.lastEvent = now
}

// Take returns the pulses counted since the previous Take and resets the count.
func (c *Counter) Take() uint32 { return c.count.Swap(0) }

// Pending returns the untaken count.
func (c *Counter) Pending() uint32 { return c.count.Load() }

// Reset discards untaken pulses.
func (c *Counter) Reset() { c.count.Store(0) }

// Add injects pulses directly. Used by simulated gauges and the CLI.
func (c *Counter) Add(n uint32) { c.count.Add(n) }

// Drops reports samples lost because the ISR queue was full.
func (c *Counter) Drops() uint32 { return c.drops.Load() }
