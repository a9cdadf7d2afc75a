package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tileworks/platform/pkg/logger"
	pkgredis "github.com/tileworks/platform/pkg/redis"
	"github.com/tileworks/platform/pkg/tracing"
)

// DefaultReplyPrefix namespaces per-call reply channels.
const DefaultReplyPrefix = "rpc:reply:"

// RedisClient implements Client. Requests go to stream <prefix><pattern>.
type RedisClient struct {
	streams     *pkgredis.StreamClient
	prefix      string
	replyPrefix string
	log         *logger.Logger
	newID       func() string
}

var _ Client = (*RedisClient)(nil)

type ClientOption func(*RedisClient)

func WithReplyPrefix(prefix string) ClientOption {
	return func(c *RedisClient) {
		if prefix != "" {
			c.replyPrefix = prefix
		}
	}
}

func WithClientLogger(log *logger.Logger) ClientOption {
	return func(c *RedisClient) { c.log = logger.OrNop(log).WithComponent("broker") }
}

// NewRedisClient 创建 broker 客户端
func NewRedisClient(streams *pkgredis.StreamClient, streamPrefix string, opts ...ClientOption) *RedisClient {
	c := &RedisClient{
		streams:     streams,
		prefix:      streamPrefix,
		replyPrefix: DefaultReplyPrefix,
		log:         logger.Nop(),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream returns the stream name a pattern is published to.
func (c *RedisClient) Stream(pattern string) string {
	return c.prefix + pattern
}

func (c *RedisClient) Emit(ctx context.Context, pattern string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("emit %s: %w", pattern, err)
	}
	ctx, span := tracing.StartMessageSpan(ctx, pattern, trace.SpanKindProducer)
	defer span.End()

	_, err = c.streams.PublishValues(ctx, c.Stream(pattern), map[string]interface{}{
		FieldPattern: pattern,
		FieldData:    data,
	})
	if err != nil {
		tracing.SetError(ctx, err)
		return fmt.Errorf("emit %s: %w", pattern, err)
	}
	return nil
}

func (c *RedisClient) Send(ctx context.Context, pattern string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("send %s: timeout must be positive", pattern)
	}
	data, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", pattern, err)
	}
	ctx, span := tracing.StartMessageSpan(ctx, pattern, trace.SpanKindClient)
	defer span.End()

	corrID := c.newID()
	channel := c.replyPrefix + corrID

	// subscribe before publishing so a fast reply is not missed
	sub := c.streams.Redis().Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("send %s: subscribe reply channel: %w", pattern, err)
	}
	replies := sub.Channel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	_, err = c.streams.PublishValues(ctx, c.Stream(pattern), map[string]interface{}{
		FieldPattern:       pattern,
		FieldData:          data,
		FieldReplyTo:       channel,
		FieldCorrelationID: corrID,
	})
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, fmt.Errorf("send %s: %w", pattern, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("send %s: %w", pattern, ctx.Err())
		case <-timer.C:
			terr := &TimeoutError{Pattern: pattern, Timeout: timeout}
			tracing.SetError(ctx, terr)
			return nil, terr
		case msg, ok := <-replies:
			if !ok {
				return nil, fmt.Errorf("send %s: reply channel closed", pattern)
			}
			var reply Reply
			if err := json.Unmarshal([]byte(msg.Payload), &reply); err != nil || reply.CorrelationID != corrID {
				c.log.Warnf("discarding malformed reply", map[string]interface{}{
					"pattern":       pattern,
					"correlationId": corrID,
				})
				continue
			}
			if reply.Error != nil {
				rerr := &RemoteError{Pattern: pattern, Code: reply.Error.Code, Message: reply.Error.Message}
				tracing.SetError(ctx, rerr)
				return nil, rerr
			}
			return reply.Data, nil
		}
	}
}
