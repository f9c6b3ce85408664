package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends events to a capped Redis stream.
//
// Stream:  {stream}
// Fields:  event (JSON), request_id, tool
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to stream, trimmed to roughly
// maxLen entries. maxLen <= 0 leaves the stream untrimmed.
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Name implements Sink.
func (s *RedisStreamSink) Name() string { return "redis" }

// Write implements Sink.
func (s *RedisStreamSink) Write(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"event":      string(data),
			"request_id": e.RequestID,
			"tool":       e.Tool,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("appending audit event %s: %w", e.RequestID, err)
	}
	return nil
}
