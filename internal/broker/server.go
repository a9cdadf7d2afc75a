package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tileworks/platform/internal/metrics"
	commonerrors "github.com/tileworks/platform/pkg/errors"
	"github.com/tileworks/platform/pkg/health"
	"github.com/tileworks/platform/pkg/logger"
	pkgredis "github.com/tileworks/platform/pkg/redis"
	"github.com/tileworks/platform/pkg/tracing"
)

// ServerConfig 消费者组参数
type ServerConfig struct {
	Group        string
	Consumer     string
	MaxRetries   int
	ClaimMinIdle time.Duration
	BlockTime    time.Duration
}

// Server consumes the streams of every registered pattern and dispatches
// each message to the router. Replies go to the caller's reply channel.
type Server struct {
	client  *RedisClient
	router  *Router
	cfg     ServerConfig
	log     *logger.Logger
	metrics *metrics.Metrics
	monitor *health.LoopMonitor
}

type ServerOption func(*Server)

func WithServerLogger(log *logger.Logger) ServerOption {
	return func(s *Server) { s.log = logger.OrNop(log).WithComponent("broker-server") }
}

func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithLoopMonitor ticks m on every consumer read loop.
func WithLoopMonitor(m *health.LoopMonitor) ServerOption {
	return func(s *Server) { s.monitor = m }
}

func NewServer(client *RedisClient, router *Router, cfg ServerConfig, opts ...ServerOption) *Server {
	s := &Server{
		client: client,
		router: router,
		cfg:    cfg,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start blocks until ctx is cancelled or the consumer fails.
func (s *Server) Start(ctx context.Context) error {
	patterns := s.router.Patterns()
	if len(patterns) == 0 {
		return errors.New("broker server: no routes registered")
	}
	streams := make([]string, len(patterns))
	for i, p := range patterns {
		streams[i] = s.client.Stream(p)
	}

	opts := &pkgredis.ConsumerOptions{
		MaxRetries:   s.cfg.MaxRetries,
		ClaimMinIdle: s.cfg.ClaimMinIdle,
		BlockTime:    s.cfg.BlockTime,
		OnDLQ:        s.metrics.IncDeadLetter,
	}
	if s.monitor != nil {
		opts.OnTick = s.monitor.Tick
	}
	consumer := pkgredis.NewConsumer(s.client.streams, s.cfg.Group, s.cfg.Consumer, streams, s.dispatch, opts, s.log)

	s.log.Infof("broker server started", map[string]interface{}{"patterns": patterns, "group": s.cfg.Group})
	err := consumer.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil && s.monitor != nil {
		s.monitor.SetError(err)
	}
	return err
}

// dispatch handles one stream entry. A handler error on an emit-only message
// is returned so the entry stays pending for redelivery; on a request it is
// sent back to the caller instead.
func (s *Server) dispatch(ctx context.Context, msg *pkgredis.Message) error {
	pattern := msg.Field(FieldPattern)
	if pattern == "" {
		pattern = strings.TrimPrefix(msg.Stream, s.client.prefix)
	}
	replyTo := msg.Field(FieldReplyTo)
	corrID := msg.Field(FieldCorrelationID)
	log := s.log.WithContext(ctx).WithField("pattern", pattern).WithField("msgId", msg.ID)

	ctx, span := tracing.StartMessageSpan(ctx, pattern, trace.SpanKindConsumer)
	defer span.End()

	h, ok := s.router.Lookup(pattern)
	if !ok {
		log.Warn("no handler for pattern, dropping message")
		if replyTo != "" {
			return s.reply(ctx, replyTo, corrID, nil, fmt.Errorf("%s: %w", pattern, ErrRouteNotFound))
		}
		return nil
	}

	result, err := h(ctx, json.RawMessage(msg.Data))
	if err != nil {
		tracing.SetError(ctx, err)
		log.WithError(err).Warn("handler failed")
	}
	if replyTo == "" {
		return err
	}
	return s.reply(ctx, replyTo, corrID, result, err)
}

func (s *Server) reply(ctx context.Context, channel, corrID string, result any, herr error) error {
	reply := Reply{CorrelationID: corrID}
	if herr != nil {
		coded := commonerrors.From(herr)
		reply.Error = &ReplyError{Code: coded.Code, Message: herr.Error()}
	} else {
		data, err := encodePayload(result)
		if err != nil {
			reply.Error = &ReplyError{Code: commonerrors.CodeInternal, Message: err.Error()}
		} else {
			reply.Data = json.RawMessage(data)
		}
	}

	raw, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := s.client.streams.Redis().Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish reply to %s: %w", channel, err)
	}
	return nil
}
