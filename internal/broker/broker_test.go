package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	commonerrors "github.com/tileworks/platform/pkg/errors"
	pkgredis "github.com/tileworks/platform/pkg/redis"
)

type harness struct {
	rdb    *goredis.Client
	client *RedisClient
	router *Router
	server *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client := NewRedisClient(pkgredis.NewStreamClient(rdb, 0), "tw:")
	router := NewRouter()
	return &harness{
		rdb:    rdb,
		client: client,
		router: router,
		server: NewServer(client, router, ServerConfig{Group: "g", Consumer: "c"}),
	}
}

// respond polls stream and feeds every new entry to the server's dispatch,
// standing in for the consumer group loop.
func (h *harness) respond(t *testing.T, ctx context.Context, stream string) {
	t.Helper()
	go func() {
		last := "0"
		for ctx.Err() == nil {
			res, err := h.rdb.XRead(ctx, &goredis.XReadArgs{Streams: []string{stream, last}, Block: -1}).Result()
			if err != nil || len(res) == 0 {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			for _, m := range res[0].Messages {
				last = m.ID
				values := make(map[string]string, len(m.Values))
				for k, v := range m.Values {
					values[k], _ = v.(string)
				}
				_ = h.server.dispatch(ctx, &pkgredis.Message{
					ID:     m.ID,
					Stream: stream,
					Data:   []byte(values[FieldData]),
					Values: values,
				})
			}
		}
	}()
}

func TestPattern(t *testing.T) {
	if got := Pattern("tiles", "sync"); got != "tiles.sync" {
		t.Fatalf("Pattern() = %q", got)
	}
}

func TestEmitWritesEnvelope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.client.Emit(ctx, "tiles.sync", map[string]any{"taskId": "t-1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	msgs, err := h.rdb.XRange(ctx, "tw:tiles.sync", "-", "+").Result()
	if err != nil || len(msgs) != 1 {
		t.Fatalf("XRange = %v, %v", msgs, err)
	}
	v := msgs[0].Values
	if v[FieldPattern] != "tiles.sync" || v[FieldData] != `{"taskId":"t-1"}` {
		t.Fatalf("envelope = %v", v)
	}
	if _, ok := v[FieldReplyTo]; ok {
		t.Fatal("emit must not carry a reply channel")
	}
}

func TestEmitRejectsInvalidRawJSON(t *testing.T) {
	h := newHarness(t)
	if err := h.client.Emit(context.Background(), "tiles.sync", json.RawMessage("{nope")); err == nil {
		t.Fatal("expected invalid JSON error")
	}
}

func TestSendReceivesReply(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := h.router.Register("tiles", "fetch", func(_ context.Context, payload json.RawMessage) (any, error) {
		var req struct{ Tile string }
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return map[string]string{"fetched": req.Tile}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.respond(t, ctx, "tw:tiles.fetch")

	got, err := h.client.Send(ctx, "tiles.fetch", map[string]string{"tile": "z1"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(got) != `{"fetched":"z1"}` {
		t.Fatalf("reply = %s", got)
	}
}

func TestSendRemoteError(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = h.router.Register("tiles", "fetch", func(context.Context, json.RawMessage) (any, error) {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "bad tile")
	})
	h.respond(t, ctx, "tw:tiles.fetch")

	_, err := h.client.Send(ctx, "tiles.fetch", nil, 2*time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) || !errors.Is(err, ErrRemote) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remote.Code != commonerrors.CodeInvalidParam || !strings.Contains(remote.Message, "bad tile") {
		t.Fatalf("remote = %+v", remote)
	}
}

func TestSendUnknownRoute(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.respond(t, ctx, "tw:tiles.missing")

	_, err := h.client.Send(ctx, "tiles.missing", nil, 2*time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != commonerrors.CodeRouteNotFound {
		t.Fatalf("err = %v, want route not found", err)
	}
}

func TestSendTimeout(t *testing.T) {
	h := newHarness(t)

	start := time.Now()
	_, err := h.client.Send(context.Background(), "tiles.fetch", nil, 50*time.Millisecond)
	var terr *TimeoutError
	if !errors.As(err, &terr) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if terr.Pattern != "tiles.fetch" || terr.Timeout != 50*time.Millisecond {
		t.Fatalf("timeout error = %+v", terr)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("Send returned before the timeout")
	}
	if commonerrors.From(err).Code != commonerrors.CodeRPCTimeout {
		t.Fatalf("code = %s", commonerrors.From(err).Code)
	}
}

func TestSendContextCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := h.client.Send(ctx, "tiles.fetch", nil, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSendResolvesOnce(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	_ = h.router.Register("tiles", "fetch", func(context.Context, json.RawMessage) (any, error) {
		return calls.Add(1), nil
	})
	h.respond(t, ctx, "tw:tiles.fetch")

	first, err := h.client.Send(ctx, "tiles.fetch", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	second, err := h.client.Send(ctx, "tiles.fetch", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if string(first) != "1" || string(second) != "2" {
		t.Fatalf("replies = %s, %s; each call must get its own reply", first, second)
	}
}

func TestDispatchEmitOnlyErrorStaysPending(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("boom")
	_ = h.router.Register("tiles", "sync", func(context.Context, json.RawMessage) (any, error) { return nil, boom })

	err := h.server.dispatch(context.Background(), &pkgredis.Message{
		Stream: "tw:tiles.sync",
		Data:   []byte(`{}`),
		Values: map[string]string{FieldPattern: "tiles.sync"},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("dispatch err = %v, want handler error", err)
	}

	// unknown emit-only patterns are acknowledged, not retried
	err = h.server.dispatch(context.Background(), &pkgredis.Message{Stream: "tw:nobody.home", Data: []byte(`{}`)})
	if err != nil {
		t.Fatalf("dispatch unknown err = %v", err)
	}
}

func TestServerStartRequiresRoutes(t *testing.T) {
	h := newHarness(t)
	if err := h.server.Start(context.Background()); err == nil {
		t.Fatal("expected error without routes")
	}
}
