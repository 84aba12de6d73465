package channel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/voiceengine/internal/errors"
	"github.com/tphakala/voiceengine/internal/logger"
)

func newTestManager(opts ...Option) *Manager {
	return NewManager(1, append([]Option{WithLogger(logger.NewDiscardLogger())}, opts...)...)
}

func createBasic(t *testing.T, m *Manager) *BasicChannel {
	t.Helper()
	ch, err := m.CreateChannel(NewBasicChannel)
	require.NoError(t, err)
	return ch.(*BasicChannel)
}

func TestCreateAssignsIncreasingIDs(t *testing.T) {
	m := newTestManager()

	a := createBasic(t, m)
	b := createBasic(t, m)
	require.NoError(t, m.DestroyChannel(a.ID()))
	c := createBasic(t, m)

	assert.Equal(t, int32(0), a.ID())
	assert.Equal(t, int32(1), b.ID())
	assert.Equal(t, int32(2), c.ID(), "ids are not reused")
	assert.Equal(t, 2, m.NumOfChannels())
}

func TestGetChannel(t *testing.T) {
	m := newTestManager()
	ch := createBasic(t, m)

	got, ok := m.GetChannel(ch.ID())
	require.True(t, ok)
	assert.Same(t, ch, got)

	_, ok = m.GetChannel(99)
	assert.False(t, ok)
}

func TestGetAllChannelsOrdered(t *testing.T) {
	m := newTestManager()
	for range 5 {
		createBasic(t, m)
	}

	all := m.GetAllChannels()
	require.Len(t, all, 5)
	for i, ch := range all {
		assert.Equal(t, int32(i), ch.ID())
	}
}

func TestDestroyChannel(t *testing.T) {
	m := newTestManager()
	ch := createBasic(t, m)

	require.NoError(t, m.DestroyChannel(ch.ID()))
	assert.True(t, ch.Closed())
	assert.Zero(t, m.NumOfChannels())

	err := m.DestroyChannel(ch.ID())
	assert.True(t, errors.IsNotFound(err))
}

func TestDestroyAllChannels(t *testing.T) {
	m := newTestManager()
	chans := []*BasicChannel{createBasic(t, m), createBasic(t, m), createBasic(t, m)}

	// A channel closed behind the manager's back fails its second Close
	require.NoError(t, chans[1].Close())

	err := m.DestroyAllChannels()
	require.Error(t, err)
	assert.Zero(t, m.NumOfChannels())
	for _, ch := range chans {
		assert.True(t, ch.Closed())
	}

	require.NoError(t, m.DestroyAllChannels(), "destroying an empty manager is a no-op")
}

func TestChannelLimit(t *testing.T) {
	m := newTestManager(WithMaxChannels(2))
	createBasic(t, m)
	createBasic(t, m)

	_, err := m.CreateChannel(NewBasicChannel)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryLimit))
}

func TestFactoryFailures(t *testing.T) {
	m := newTestManager()

	_, err := m.CreateChannel(nil)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = m.CreateChannel(func(id int32) (Channel, error) {
		return nil, errors.NewStd("codec unavailable")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codec unavailable")

	wrongID := &BasicChannel{id: 1000}
	_, err = m.CreateChannel(func(int32) (Channel, error) { return wrongID, nil })
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.True(t, wrongID.Closed())

	assert.Zero(t, m.NumOfChannels())
}

func TestSendingAndPlayingCounts(t *testing.T) {
	tests := []struct {
		name        string
		states      [][2]bool // sending, playing
		wantSending int
		wantPlaying int
	}{
		{"no channels", nil, 0, 0},
		{"idle channels", [][2]bool{{false, false}, {false, false}}, 0, 0},
		{"mixed", [][2]bool{{true, false}, {true, true}, {false, true}, {false, false}}, 2, 2},
		{"all active", [][2]bool{{true, true}, {true, true}}, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			for _, st := range tt.states {
				ch := createBasic(t, m)
				if st[0] {
					require.NoError(t, ch.StartSend())
				}
				if st[1] {
					require.NoError(t, ch.StartPlayout())
				}
			}

			assert.Equal(t, tt.wantSending, m.NumOfSendingChannels())
			assert.Equal(t, tt.wantPlaying, m.NumOfPlayingChannels())
			assert.Equal(t, len(tt.states), m.NumOfChannels())
		})
	}
}

func TestConcurrentCreateAndDestroy(t *testing.T) {
	m := newTestManager(WithMaxChannels(1000))

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			for range 10 {
				ch, err := m.CreateChannel(NewBasicChannel)
				if !assert.NoError(t, err) {
					return
				}
				_ = m.NumOfSendingChannels()
				assert.NoError(t, m.DestroyChannel(ch.ID()))
			}
		})
	}
	wg.Wait()

	assert.Zero(t, m.NumOfChannels())
	ch := createBasic(t, m)
	assert.Equal(t, int32(200), ch.ID())
}

func TestBasicChannelTransitions(t *testing.T) {
	ch := &BasicChannel{id: 3}

	require.NoError(t, ch.StartSend())
	assert.True(t, errors.IsCategory(ch.StartSend(), errors.CategoryConflict))
	require.NoError(t, ch.StopSend())
	assert.True(t, errors.IsCategory(ch.StopSend(), errors.CategoryConflict))

	require.NoError(t, ch.StartPlayout())
	require.NoError(t, ch.Close())
	assert.False(t, ch.Playing())
	assert.True(t, errors.IsCategory(ch.StartSend(), errors.CategoryState))
	assert.True(t, errors.IsCategory(ch.Close(), errors.CategoryState))
}
