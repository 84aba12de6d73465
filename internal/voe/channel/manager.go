// Package channel owns the set of active voice channels of one engine
// instance and answers aggregate queries over them.
package channel

import (
	"cmp"
	"slices"
	"sync"

	"github.com/tphakala/voiceengine/internal/errors"
	"github.com/tphakala/voiceengine/internal/logger"
)

const (
	// ComponentChannel is the error component for this package
	ComponentChannel = "channel"

	// DefaultMaxChannels caps the number of live channels per manager
	DefaultMaxChannels = 32
)

// Channel is an independent audio send/receive session
type Channel interface {
	ID() int32
	Sending() bool
	Playing() bool
	Close() error
}

// Factory builds a channel for a freshly assigned id
type Factory func(id int32) (Channel, error)

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger used by the manager
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMaxChannels sets the live channel limit. Values below one are ignored.
func WithMaxChannels(limit int) Option {
	return func(m *Manager) {
		if limit > 0 {
			m.maxChannels = limit
		}
	}
}

// Manager owns channel objects keyed by id. Ids are assigned in increasing
// order and never reused during the manager's lifetime.
type Manager struct {
	instanceID  uint32
	maxChannels int
	log         logger.Logger

	mu       sync.RWMutex
	channels map[int32]Channel
	nextID   int32
}

// NewManager creates an empty manager for engine instance instanceID
func NewManager(instanceID uint32, opts ...Option) *Manager {
	m := &Manager{
		instanceID:  instanceID,
		maxChannels: DefaultMaxChannels,
		channels:    make(map[int32]Channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = getLogger()
	}
	m.log = m.log.With(logger.Uint32("instance_id", instanceID))
	return m
}

// InstanceID returns the engine instance the manager belongs to
func (m *Manager) InstanceID() uint32 {
	return m.instanceID
}

// CreateChannel reserves the next id, builds a channel with factory and
// stores it. The id is consumed even if the factory fails.
func (m *Manager) CreateChannel(factory Factory) (Channel, error) {
	if factory == nil {
		return nil, errors.Newf("nil channel factory").
			Component(ComponentChannel).
			Category(errors.CategoryValidation).
			Build()
	}

	m.mu.Lock()
	if len(m.channels) >= m.maxChannels {
		count := len(m.channels)
		m.mu.Unlock()
		return nil, errors.Newf("maximum number of channels reached").
			Component(ComponentChannel).
			Category(errors.CategoryLimit).
			Context("instance_id", m.instanceID).
			Context("channels", count).
			Context("max_channels", m.maxChannels).
			Build()
	}
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	ch, err := factory(id)
	if err != nil {
		return nil, errors.New(err).
			Component(ComponentChannel).
			Category(errors.CategoryChannel).
			Context("channel_id", id).
			Build()
	}
	if ch == nil || ch.ID() != id {
		if ch != nil {
			_ = ch.Close()
		}
		return nil, errors.Newf("channel factory returned an invalid channel").
			Component(ComponentChannel).
			Category(errors.CategoryValidation).
			Context("channel_id", id).
			Build()
	}

	m.mu.Lock()
	m.channels[id] = ch
	m.mu.Unlock()

	m.log.Debug("channel created", logger.Int32("channel_id", id))
	return ch, nil
}

// GetChannel returns the channel with the given id
func (m *Manager) GetChannel(id int32) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// GetAllChannels returns a snapshot of all channels ordered by id
func (m *Manager) GetAllChannels() []Channel {
	m.mu.RLock()
	all := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		all = append(all, ch)
	}
	m.mu.RUnlock()

	slices.SortFunc(all, func(a, b Channel) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return all
}

// DestroyChannel removes the channel and closes it
func (m *Manager) DestroyChannel(id int32) error {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if ok {
		delete(m.channels, id)
	}
	m.mu.Unlock()

	if !ok {
		return errors.Newf("channel %d not found", id).
			Component(ComponentChannel).
			Category(errors.CategoryNotFound).
			Context("instance_id", m.instanceID).
			Context("channel_id", id).
			Build()
	}

	if err := ch.Close(); err != nil {
		return errors.New(err).
			Component(ComponentChannel).
			Category(errors.CategoryChannel).
			Context("channel_id", id).
			Build()
	}

	m.log.Debug("channel destroyed", logger.Int32("channel_id", id))
	return nil
}

// DestroyAllChannels removes and closes every channel. Close failures are
// joined into the returned error; every channel is removed regardless.
func (m *Manager) DestroyAllChannels() error {
	m.mu.Lock()
	all := m.channels
	m.channels = make(map[int32]Channel)
	m.mu.Unlock()

	var errs []error
	for id, ch := range all {
		if err := ch.Close(); err != nil {
			errs = append(errs, errors.New(err).
				Component(ComponentChannel).
				Category(errors.CategoryChannel).
				Context("channel_id", id).
				Build())
		}
	}

	if len(all) > 0 {
		m.log.Debug("all channels destroyed",
			logger.Int("count", len(all)),
			logger.Int("close_errors", len(errs)))
	}
	return errors.Join(errs...)
}

// NumOfChannels returns the number of live channels
func (m *Manager) NumOfChannels() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Count returns how many live channels satisfy pred at call time
func (m *Manager) Count(pred func(Channel) bool) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, ch := range m.channels {
		if pred(ch) {
			n++
		}
	}
	return n
}

// NumOfSendingChannels returns the number of channels currently sending
func (m *Manager) NumOfSendingChannels() int {
	return m.Count(Channel.Sending)
}

// NumOfPlayingChannels returns the number of channels currently playing
func (m *Manager) NumOfPlayingChannels() int {
	return m.Count(Channel.Playing)
}
