package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestReadyRequiresSetReady(t *testing.T) {
	h := New()
	h.Register(NewCheck("redis", func(context.Context) error { return nil }))

	if got := h.Ready(context.Background()).Status; got != StatusDown {
		t.Fatalf("Ready before SetReady = %s, want down", got)
	}

	h.SetReady(true)
	resp := h.Ready(context.Background())
	if resp.Status != StatusUp {
		t.Fatalf("Ready = %s, want up", resp.Status)
	}
	if resp.Dependencies["redis"].Status != StatusUp {
		t.Fatalf("redis dependency = %+v", resp.Dependencies["redis"])
	}
}

func TestHealthDegradedWhenDependencyDown(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.Register(NewCheck("ok", func(context.Context) error { return nil }))
	h.Register(NewRedisChecker(func(context.Context) error { return errors.New("connection refused") }))

	resp := h.Health(context.Background())
	if resp.Status != StatusDegraded {
		t.Fatalf("Health = %s, want degraded", resp.Status)
	}
	if resp.Dependencies["redis"].Message != "connection refused" {
		t.Fatalf("redis message = %q", resp.Dependencies["redis"].Message)
	}
}

func TestCheckTimeout(t *testing.T) {
	h := New().WithTimeout(20 * time.Millisecond)
	h.Register(NewCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	}))

	res := h.Health(context.Background()).Dependencies["slow"]
	if res.Status != StatusDown || res.Message != "timeout" {
		t.Fatalf("slow check = %+v, want down/timeout", res)
	}
}

func TestPostgresChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()
	if res := NewPostgresChecker(db).Check(context.Background()); res.Status != StatusUp {
		t.Fatalf("postgres check = %+v, want up", res)
	}

	mock.ExpectPing().WillReturnError(errors.New("db down"))
	if res := NewPostgresChecker(db).Check(context.Background()); res.Status != StatusDown {
		t.Fatalf("postgres check = %+v, want down", res)
	}

	if res := NewPostgresChecker(nil).Check(context.Background()); res.Status != StatusDown {
		t.Fatalf("nil db check = %+v, want down", res)
	}
}

func TestLoopMonitor(t *testing.T) {
	var m LoopMonitor

	if ok, _, _ := m.Healthy(time.Now(), time.Second); ok {
		t.Fatal("expected unhealthy before first tick")
	}

	m.Tick()
	m.SetError(errors.New("dispatch failed"))
	ok, _, lastErr := m.Healthy(time.Now(), time.Second)
	if !ok || lastErr != "dispatch failed" {
		t.Fatalf("Healthy = %v %q", ok, lastErr)
	}

	if ok, _, _ := m.Healthy(time.Now().Add(2*time.Second), time.Second); ok {
		t.Fatal("expected stale loop to be unhealthy")
	}

	m.SetError(nil)
	if m.LastError() != "" {
		t.Fatalf("LastError = %q, want cleared", m.LastError())
	}
}

func TestLoopChecker(t *testing.T) {
	var m LoopMonitor
	checker := NewLoopChecker("scheduler", &m, time.Minute)

	if res := checker.Check(context.Background()); res.Status != StatusDown {
		t.Fatalf("never ticked = %+v, want down", res)
	}
	m.Tick()
	if res := checker.Check(context.Background()); res.Status != StatusUp {
		t.Fatalf("ticked = %+v, want up", res)
	}
}

func TestHandlers(t *testing.T) {
	h := New()
	h.SetReady(true)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    int
	}{
		{"live", h.LiveHandler(), http.StatusOK},
		{"ready", h.ReadyHandler(), http.StatusOK},
		{"health", h.HealthHandler(), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/"+tt.name, nil))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			var resp Response
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != StatusUp {
				t.Fatalf("body status = %s", resp.Status)
			}
		})
	}

	h.SetReady(false)
	rec := httptest.NewRecorder()
	h.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready status = %d, want 503", rec.Code)
	}
}
