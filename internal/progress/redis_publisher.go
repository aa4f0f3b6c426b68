package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/cortexnode/worker/internal/logging"
)

const redisChannelPrefix = "launching-"

// RedisPublisher mirrors each replica's Stream onto a Redis pub/sub
// channel named "launching-<uid>", the same PUBLISH/SUBSCRIBE idiom the
// reference queue package uses for cross-instance notification, here
// reused to let the Supervisor observe progress without a direct RPC
// stream back to this worker.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher wraps an existing Redis client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish forwards u to channel launching-<uid>. Errors are logged, not
// returned: a Redis outage must never fail a launch over a progress update.
func (p *RedisPublisher) Publish(ctx context.Context, uid string, u Update) {
	if p == nil || p.client == nil {
		return
	}
	data, err := json.Marshal(u)
	if err != nil {
		logging.Op().Warn("marshal progress update", "uid", uid, "error", err)
		return
	}
	channel := fmt.Sprintf("%s%s", redisChannelPrefix, uid)
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		logging.Op().Warn("publish progress update", "uid", uid, "channel", channel, "error", err)
	}
}

// Mirror subscribes to stream and republishes every update to Redis until
// ctx is cancelled. Intended to run on its own goroutine for the lifetime
// of one launch.
func (p *RedisPublisher) Mirror(ctx context.Context, uid string, stream *Stream) {
	ch := stream.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			p.Publish(ctx, uid, u)
		}
	}
}
