package channel

import (
	"sync/atomic"

	"github.com/tphakala/voiceengine/internal/errors"
)

// BasicChannel is a channel that only tracks its send and playout state.
// It backs the command-line engine and tests.
type BasicChannel struct {
	id      int32
	sending atomic.Bool
	playing atomic.Bool
	closed  atomic.Bool
}

// NewBasicChannel is a Factory for BasicChannel
func NewBasicChannel(id int32) (Channel, error) {
	return &BasicChannel{id: id}, nil
}

// ID returns the channel id
func (c *BasicChannel) ID() int32 { return c.id }

// Sending reports whether the channel is sending
func (c *BasicChannel) Sending() bool { return c.sending.Load() }

// Playing reports whether the channel is playing out
func (c *BasicChannel) Playing() bool { return c.playing.Load() }

// Closed reports whether Close has been called
func (c *BasicChannel) Closed() bool { return c.closed.Load() }

// StartSend begins sending
func (c *BasicChannel) StartSend() error {
	return c.transition(&c.sending, true, "channel already sending")
}

// StopSend stops sending
func (c *BasicChannel) StopSend() error {
	return c.transition(&c.sending, false, "channel not sending")
}

// StartPlayout begins playout
func (c *BasicChannel) StartPlayout() error {
	return c.transition(&c.playing, true, "channel already playing")
}

// StopPlayout stops playout
func (c *BasicChannel) StopPlayout() error {
	return c.transition(&c.playing, false, "channel not playing")
}

// Close stops sending and playout. Closing twice is an error.
func (c *BasicChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return errors.Newf("channel %d already closed", c.id).
			Component(ComponentChannel).
			Category(errors.CategoryState).
			Build()
	}
	c.sending.Store(false)
	c.playing.Store(false)
	return nil
}

func (c *BasicChannel) transition(flag *atomic.Bool, to bool, conflict string) error {
	if c.closed.Load() {
		return errors.Newf("channel %d closed", c.id).
			Component(ComponentChannel).
			Category(errors.CategoryState).
			Build()
	}
	if !flag.CompareAndSwap(!to, to) {
		return errors.Newf("%s", conflict).
			Component(ComponentChannel).
			Category(errors.CategoryConflict).
			Context("channel_id", c.id).
			Build()
	}
	return nil
}
