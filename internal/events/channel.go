package events

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultQueueSize bounds the number of undelivered events
	DefaultQueueSize = 256
	// DefaultKeepAlive is how long the consumer waits before emitting a keep-alive
	DefaultKeepAlive = time.Second
)

// Channel is a bounded FIFO between one producer (the background worker)
// and one consumer (the connection writer).
//
// Publish blocks while the queue is full. If the consumer goes away it calls
// Abandon, after which Publish discards events so the worker can still run
// to completion.
type Channel struct {
	queue     chan Event
	gone      chan struct{}
	keepAlive time.Duration

	mu       sync.Mutex
	closed   bool
	finished bool

	abandonOnce sync.Once
}

// NewChannel creates a channel with the given capacity (<= 0 uses the default)
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Channel{
		queue:     make(chan Event, size),
		gone:      make(chan struct{}),
		keepAlive: DefaultKeepAlive,
	}
}

// SetKeepAlive changes the keep-alive poll interval
func (c *Channel) SetKeepAlive(d time.Duration) {
	if d > 0 {
		c.keepAlive = d
	}
}

// Publish enqueues ev. Returns false if the channel is closed or abandoned.
// Publish, Progress and Finish are meant to be called by a single producer.
func (c *Channel) Publish(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.queue <- ev:
		return true
	case <-c.gone:
		return false
	}
}

// Progress publishes a progress frame
func (c *Channel) Progress(p ProgressEvent) bool {
	return c.Publish(Event{Type: EventTypeProgress, Payload: p})
}

// ProgressFunc adapts the channel into a progress sink
func (c *Channel) ProgressFunc() ProgressFunc {
	return func(p ProgressEvent) { c.Progress(p) }
}

// Finish publishes the terminal outcome followed by done and closes the
// queue. Exactly one of result or errPayload should be set; only the first
// call has any effect.
func (c *Channel) Finish(result any, errPayload *ErrorPayload) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	if errPayload != nil {
		c.Publish(Event{Type: EventTypeError, Payload: errPayload})
	} else {
		c.Publish(Event{Type: EventTypeResult, Payload: result})
	}
	c.Publish(Event{Type: EventTypeDone, Payload: map[string]any{}})
	c.close()
}

func (c *Channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
}

// Abandon tells the producer nobody is listening any more
func (c *Channel) Abandon() {
	c.abandonOnce.Do(func() { close(c.gone) })
}

// Consume delivers events to onEvent in FIFO order until done is delivered,
// the queue closes, or ctx ends. When no event arrives within the keep-alive
// interval, onKeepAlive is called without consuming anything.
func (c *Channel) Consume(ctx context.Context, onEvent func(Event) error, onKeepAlive func() error) error {
	defer c.Abandon()

	timer := time.NewTimer(c.keepAlive)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-c.queue:
			if !ok {
				return nil
			}
			if err := onEvent(ev); err != nil {
				return err
			}
			if ev.Type == EventTypeDone {
				return nil
			}
		case <-timer.C:
			if onKeepAlive != nil {
				if err := onKeepAlive(); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.keepAlive)
	}
}
