package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	evbus "github.com/asaskevich/EventBus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"ergroom/internal/presence"
)

func change(id string, action presence.Action) presence.ToggleResult {
	return presence.ToggleResult{
		MemberID:  id,
		Name:      "Member " + id,
		IsPresent: action == presence.ActionIn,
		Action:    action,
		At:        time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC),
	}
}

type RedisSinkSuite struct {
	suite.Suite
	mini   *miniredis.Miniredis
	client *redis.Client
	sink   *RedisSink
	ctx    context.Context
}

func TestRedisSinkSuite(t *testing.T) {
	suite.Run(t, new(RedisSinkSuite))
}

func (s *RedisSinkSuite) SetupTest() {
	s.mini = miniredis.RunT(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: s.mini.Addr()})
	s.sink = NewRedisSink(s.client, "test:changes")
	s.ctx = context.Background()
}

func (s *RedisSinkSuite) TearDownTest() {
	_ = s.client.Close()
	s.mini.Close()
}

func (s *RedisSinkSuite) TestPublishesOnChannel() {
	sub := s.client.Subscribe(s.ctx, "test:changes")
	defer sub.Close()
	_, err := sub.Receive(s.ctx)
	s.Require().NoError(err)

	s.Require().NoError(s.sink.Notify(s.ctx, change("m1", presence.ActionIn)))

	select {
	case msg := <-sub.Channel():
		s.Contains(msg.Payload, `"id":"m1"`)
		s.Contains(msg.Payload, `"action":"in"`)
	case <-time.After(time.Second):
		s.Fail("no message published")
	}
}

func (s *RedisSinkSuite) TestFeedIsCappedAndNewestFirst() {
	s.sink.feedLen = 3
	for _, id := range []string{"a", "b", "c", "d"} {
		s.Require().NoError(s.sink.Notify(s.ctx, change(id, presence.ActionIn)))
	}

	items, err := s.mini.List("test:changes:feed")
	s.Require().NoError(err)
	s.Len(items, 3)

	recent, err := s.sink.Recent(s.ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(recent, 2)
	s.Equal("d", recent[0].MemberID)
	s.Equal("c", recent[1].MemberID)

	all, err := s.sink.Recent(s.ctx, 0)
	s.Require().NoError(err)
	s.Len(all, 3)
}

func (s *RedisSinkSuite) TestNotifyFailsWhenRedisIsDown() {
	s.mini.Close()
	s.Error(s.sink.Notify(s.ctx, change("m1", presence.ActionOut)))
}

func TestMultiDeliversPastFailures(t *testing.T) {
	var got []string
	boom := errors.New("boom")
	m := Multi{
		Func(func(_ context.Context, c presence.ToggleResult) error { return boom }),
		nil,
		Func(func(_ context.Context, c presence.ToggleResult) error {
			got = append(got, c.MemberID)
			return nil
		}),
		Discard{},
	}

	err := m.Notify(context.Background(), change("m1", presence.ActionIn))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"m1"}, got)
}

func TestBroadcasterFansOutBusChanges(t *testing.T) {
	bus := evbus.New()
	b, err := NewBroadcaster(bus)
	require.NoError(t, err)
	sink := NewBusSink(bus)

	first, cancelFirst := b.Subscribe(4)
	second, cancelSecond := b.Subscribe(4)
	defer cancelSecond()
	assert.Equal(t, 2, b.Subscribers())

	require.NoError(t, sink.Notify(context.Background(), change("m1", presence.ActionIn)))
	assert.Equal(t, "m1", (<-first).MemberID)
	assert.Equal(t, "m1", (<-second).MemberID)

	cancelFirst()
	cancelFirst()
	_, open := <-first
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())

	require.NoError(t, b.Close())
	_, open = <-second
	assert.False(t, open)
}

func TestBroadcasterDropsForSlowSubscribers(t *testing.T) {
	bus := evbus.New()
	b, err := NewBroadcaster(bus)
	require.NoError(t, err)
	sink := NewBusSink(bus)

	ch, cancel := b.Subscribe(1)
	defer cancel()

	require.NoError(t, sink.Notify(context.Background(), change("a", presence.ActionIn)))
	require.NoError(t, sink.Notify(context.Background(), change("b", presence.ActionIn)))

	assert.Equal(t, "a", (<-ch).MemberID)
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %s", c.MemberID)
	default:
	}
}

func TestBroadcasterAfterClose(t *testing.T) {
	b, err := NewBroadcaster(evbus.New())
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	ch, cancel := b.Subscribe(1)
	defer cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers())
}
