package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tileworks/platform/pkg/logger"
	"github.com/tileworks/platform/pkg/tracing"
)

const dataField = "data"

// StreamClient Redis Streams 客户端
type StreamClient struct {
	client redis.UniversalClient
	maxLen int64
}

// NewStreamClient 创建客户端。maxLen > 0 时 XADD 使用近似裁剪
func NewStreamClient(client redis.UniversalClient, maxLen int64) *StreamClient {
	return &StreamClient{client: client, maxLen: maxLen}
}

// Redis exposes the underlying client for pub/sub.
func (c *StreamClient) Redis() redis.UniversalClient {
	return c.client
}

// Publish 发布消息到 Stream，msg 以 JSON 写入 data 字段
func (c *StreamClient) Publish(ctx context.Context, stream string, msg interface{}) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return c.PublishValues(ctx, stream, map[string]interface{}{dataField: string(data)})
}

// PublishValues 发布带额外字段的消息（envelope），并注入 trace
func (c *StreamClient) PublishValues(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	tracing.InjectRedisStream(ctx, values)

	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}
	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// Message 消息
type Message struct {
	ID     string
	Stream string
	Data   []byte
	Values map[string]string
}

// Field returns a string envelope field.
func (m *Message) Field(name string) string {
	if m == nil || m.Values == nil {
		return ""
	}
	return m.Values[name]
}

// Consumer 消费者
type Consumer struct {
	client   *StreamClient
	group    string
	consumer string
	streams  []string
	handler  MessageHandler
	opts     ConsumerOptions
	log      *logger.Logger
}

// MessageHandler 消息处理函数
type MessageHandler func(ctx context.Context, msg *Message) error

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize    int           // 每次读取的消息数
	BlockTime    time.Duration // 阻塞等待时间
	MaxRetries   int           // 最大重试次数，超过后进入死信流
	ClaimMinIdle time.Duration // 认领空闲消息的最小时间
	// PendingCheckInterval 周期性处理 pending 的间隔
	PendingCheckInterval time.Duration
	// OnTick is called once per read loop iteration; used for liveness.
	OnTick func()
	// OnDLQ is called after a message is moved to the dead-letter stream.
	OnDLQ func(stream string)
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	MaxRetries:           3,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultConsumerOptions.BatchSize
	}
	if o.BlockTime <= 0 {
		o.BlockTime = DefaultConsumerOptions.BlockTime
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = DefaultConsumerOptions.ClaimMinIdle
	}
	if o.PendingCheckInterval <= 0 {
		o.PendingCheckInterval = DefaultConsumerOptions.PendingCheckInterval
	}
	return o
}

// NewConsumer 创建消费者
func NewConsumer(client *StreamClient, group, consumer string, streams []string, handler MessageHandler, opts *ConsumerOptions, log *logger.Logger) *Consumer {
	o := DefaultConsumerOptions
	if opts != nil {
		o = opts.withDefaults()
	}
	return &Consumer{
		client:   client,
		group:    group,
		consumer: consumer,
		streams:  streams,
		handler:  handler,
		opts:     o,
		log:      logger.OrNop(log).WithComponent("stream-consumer"),
	}
}

// EnsureGroup 确保消费者组存在
func EnsureGroup(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Start 启动消费，阻塞直到 ctx 取消
func (c *Consumer) Start(ctx context.Context) error {
	if len(c.streams) == 0 {
		return errors.New("consumer has no streams")
	}
	for _, stream := range c.streams {
		if err := EnsureGroup(ctx, c.client.client, stream, c.group); err != nil {
			return err
		}
	}

	// 先处理 pending 消息
	if err := c.processPending(ctx); err != nil {
		return fmt.Errorf("process pending: %w", err)
	}

	return c.consume(ctx)
}

// processPending 认领空闲的 pending 消息并重新处理（带最大重试/死信）
func (c *Consumer) processPending(ctx context.Context) error {
	for _, stream := range c.streams {
		for {
			pending, err := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  "-",
				End:    "+",
				Count:  int64(c.opts.BatchSize),
			}).Result()
			if err != nil {
				return fmt.Errorf("xpending: %w", err)
			}
			if len(pending) == 0 {
				break
			}

			ids := make([]string, 0, len(pending))
			dlqIDs := make(map[string]int64)
			for _, p := range pending {
				if p.Idle >= c.opts.ClaimMinIdle {
					ids = append(ids, p.ID)
					if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
						dlqIDs[p.ID] = p.RetryCount
					}
				}
			}
			if len(ids) == 0 {
				break
			}

			messages, err := c.client.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.opts.ClaimMinIdle,
				Messages: ids,
			}).Result()
			if err != nil {
				return fmt.Errorf("xclaim: %w", err)
			}

			for _, m := range messages {
				if retryCount, toDLQ := dlqIDs[m.ID]; toDLQ {
					c.deadLetter(ctx, stream, &m, fmt.Sprintf("max retries exceeded: %d", retryCount))
					continue
				}
				if err := c.processMessage(ctx, stream, m); err != nil {
					c.log.WithError(err).Warnf("process pending message failed", map[string]interface{}{
						"stream": stream,
						"msgId":  m.ID,
					})
				}
			}
		}
	}
	return nil
}

// consume 消费新消息
func (c *Consumer) consume(ctx context.Context) error {
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}

	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("process pending failed")
			}
		default:
		}
		if c.opts.OnTick != nil {
			c.opts.OnTick()
		}

		results, err := c.client.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  args,
			Count:    int64(c.opts.BatchSize),
			Block:    c.opts.BlockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, result := range results {
			for _, m := range result.Messages {
				if err := c.processMessage(ctx, result.Stream, m); err != nil {
					c.log.WithError(err).Warnf("process message failed", map[string]interface{}{
						"stream": result.Stream,
						"msgId":  m.ID,
					})
				}
			}
		}
	}
}

// processMessage 处理单条消息；handler 成功后 ACK，失败则留在 pending 等待重试
func (c *Consumer) processMessage(ctx context.Context, stream string, m redis.XMessage) error {
	msg, ok := toMessage(stream, m)
	if !ok {
		// 无效消息，直接 ACK
		return c.client.client.XAck(ctx, stream, c.group, m.ID).Err()
	}

	msgCtx := tracing.ExtractRedisStream(ctx, m.Values)
	if err := c.handler(msgCtx, msg); err != nil {
		if c.opts.MaxRetries > 0 {
			pending, pErr := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  m.ID,
				End:    m.ID,
				Count:  1,
			}).Result()
			if pErr == nil && len(pending) == 1 && pending[0].RetryCount > int64(c.opts.MaxRetries) {
				c.deadLetter(ctx, stream, &m, err.Error())
				return nil
			}
		}
		return err
	}

	return c.client.client.XAck(ctx, stream, c.group, m.ID).Err()
}

func toMessage(stream string, m redis.XMessage) (*Message, bool) {
	data, ok := m.Values[dataField].(string)
	if !ok {
		return nil, false
	}
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			values[k] = s
		}
	}
	return &Message{
		ID:     m.ID,
		Stream: stream,
		Data:   []byte(data),
		Values: values,
	}, true
}

// deadLetter 写入死信流并 ACK 原消息
func (c *Consumer) deadLetter(ctx context.Context, stream string, m *redis.XMessage, reason string) {
	dlqStream := stream + ":dlq"
	_, err := c.client.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: map[string]interface{}{
			"stream":   stream,
			"msgId":    m.ID,
			"reason":   reason,
			dataField:  m.Values[dataField],
			"tsMs":     time.Now().UnixMilli(),
			"group":    c.group,
			"consumer": c.consumer,
		},
	}).Result()
	if err != nil {
		c.log.WithError(err).Errorf("send to dlq failed", map[string]interface{}{"stream": stream, "msgId": m.ID})
		return
	}
	if err := c.client.client.XAck(ctx, stream, c.group, m.ID).Err(); err != nil {
		c.log.WithError(err).Errorf("ack dlq message failed", map[string]interface{}{"stream": stream, "msgId": m.ID})
	}
	if c.opts.OnDLQ != nil {
		c.opts.OnDLQ(stream)
	}
}
