package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ergroom/internal/presence"
)

const defaultFeedLen = 100

// RedisSink publishes each change on a channel and keeps a capped list of
// recent changes for consumers that connect late.
type RedisSink struct {
	client  *redis.Client
	channel string
	feedKey string
	feedLen int64
}

// NewRedisSink publishes on channel and keeps the feed at channel+":feed".
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "presence:changes"
	}
	return &RedisSink{client: client, channel: channel, feedKey: channel + ":feed", feedLen: defaultFeedLen}
}

// Notify publishes the change and pushes it onto the feed in one round trip.
func (s *RedisSink) Notify(ctx context.Context, change presence.ToggleResult) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Publish(ctx, s.channel, payload)
	pipe.LPush(ctx, s.feedKey, payload)
	pipe.LTrim(ctx, s.feedKey, 0, s.feedLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Recent returns up to n changes from the feed, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int) ([]presence.ToggleResult, error) {
	if n <= 0 || int64(n) > s.feedLen {
		n = int(s.feedLen)
	}
	raw, err := s.client.LRange(ctx, s.feedKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]presence.ToggleResult, 0, len(raw))
	for _, item := range raw {
		var change presence.ToggleResult
		if err := json.Unmarshal([]byte(item), &change); err != nil {
			continue
		}
		out = append(out, change)
	}
	return out, nil
}
