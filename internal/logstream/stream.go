package logstream

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one delivered stream entry: an opaque id used for
// acknowledgment and a flat field map with string values.
type Message struct {
	ID     string
	Values map[string]any
}

// StreamClient is the subset of Redis Streams the pipeline needs. The
// unit tests inject a fake; production wraps a redis client.
type StreamClient interface {
	// GroupCreate creates the consumer group at the start of the
	// stream, creating the stream if absent. Returns the backend's
	// "group already exists" error untranslated.
	GroupCreate(ctx context.Context, stream, group string) error

	// Add appends an entry, trimming the stream to approximately
	// maxLen entries.
	Add(ctx context.Context, stream string, maxLen int64, values map[string]any) error

	// ReadGroup blocks up to block for at most count undelivered
	// entries on behalf of the named consumer. An empty result is
	// (nil, nil), not an error.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// Ack acknowledges delivered entry ids for the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// redisStream adapts go-redis to StreamClient.
type redisStream struct {
	client *redis.Client
}

// NewRedisStream wraps a redis client for use by the pipeline.
func NewRedisStream(client *redis.Client) StreamClient {
	return &redisStream{client: client}
}

func (r *redisStream) GroupCreate(ctx context.Context, stream, group string) error {
	return r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
}

func (r *redisStream) Add(ctx context.Context, stream string, maxLen int64, values map[string]any) error {
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Err()
}

func (r *redisStream) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	results, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var messages []Message
	for _, result := range results {
		for _, m := range result.Messages {
			messages = append(messages, Message{ID: m.ID, Values: m.Values})
		}
	}
	return messages, nil
}

func (r *redisStream) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return r.client.XAck(ctx, stream, group, ids...).Err()
}
