// Package broker carries fire-and-forget events and correlated
// request/response calls over Redis Streams, with replies on Pub/Sub.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	commonerrors "github.com/tileworks/platform/pkg/errors"
)

// Envelope fields written to every stream entry.
const (
	FieldPattern       = "pattern"
	FieldData          = "data"
	FieldReplyTo       = "replyTo"
	FieldCorrelationID = "correlationId"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = commonerrors.New(commonerrors.CodeRPCTimeout, "rpc timeout")
	// ErrRemote matches every *RemoteError.
	ErrRemote = commonerrors.New(commonerrors.CodeRemoteFailure, "remote handler failed")
	// ErrRouteNotFound is returned for patterns with no registered handler.
	ErrRouteNotFound = commonerrors.New(commonerrors.CodeRouteNotFound, "no handler for pattern")
)

// Client is the messaging surface the coordination core depends on.
type Client interface {
	// Emit publishes payload without waiting for processing.
	Emit(ctx context.Context, pattern string, payload any) error
	// Send publishes payload and waits for exactly one correlated reply.
	Send(ctx context.Context, pattern string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Pattern builds "<service>.<action>".
func Pattern(service, action string) string {
	return service + "." + action
}

// TimeoutError: no reply arrived within the budget.
type TimeoutError struct {
	Pattern string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no reply within %s", e.Pattern, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// RemoteError: the handler on the other side returned an error.
type RemoteError struct {
	Pattern string
	Code    commonerrors.Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error [%s] %s", e.Pattern, e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }

// Reply is published on the caller's reply channel.
type Reply struct {
	CorrelationID string          `json:"correlationId"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         *ReplyError     `json:"error,omitempty"`
}

// ReplyError is the wire form of a handler failure.
type ReplyError struct {
	Code    commonerrors.Code `json:"code"`
	Message string            `json:"message"`
}

func encodePayload(payload any) (string, error) {
	switch p := payload.(type) {
	case nil:
		return "null", nil
	case json.RawMessage:
		if len(p) == 0 {
			return "null", nil
		}
		if !json.Valid(p) {
			return "", fmt.Errorf("payload is not valid JSON")
		}
		return string(p), nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		return string(b), nil
	}
}
