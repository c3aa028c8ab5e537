// Package llm provides the completion providers the relay forwards
// conversations to.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for one completion call.
type CompletionRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64

	// Timeout bounds the whole call, including reading the body.
	// Zero means no bound beyond ctx.
	Timeout time.Duration
}

// CompletionResponse holds the model's reply.
type CompletionResponse struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Provider is the interface for completion providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string

	// Complete makes exactly one attempt and returns the first choice's text.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// FailureKind classifies a CompletionError.
type FailureKind int

const (
	FailureProtocol  FailureKind = iota // non-2xx, undecodable or empty response
	FailureTransport                    // connection refused, reset, DNS
	FailureTimeout                      // deadline elapsed
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureTransport:
		return "transport"
	default:
		return "protocol"
	}
}

// CompletionError represents a failed completion call.
type CompletionError struct {
	Kind       FailureKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *CompletionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Provider != "" {
		return e.Provider + ": " + msg
	}
	return msg
}

func (e *CompletionError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a completion timeout.
func IsTimeout(err error) bool {
	var ce *CompletionError
	return errors.As(err, &ce) && ce.Kind == FailureTimeout
}

// classify turns a failed round trip into a CompletionError. ctx is the
// call's bounded context, so an elapsed deadline wins over whatever error
// the transport surfaced for it.
func classify(ctx context.Context, provider string, err error) *CompletionError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &CompletionError{
			Kind:     FailureTimeout,
			Provider: provider,
			Message:  "request timed out",
			Err:      err,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &CompletionError{Kind: FailureTimeout, Provider: provider, Message: "request timed out", Err: err}
	}
	return &CompletionError{
		Kind:     FailureTransport,
		Provider: provider,
		Message:  fmt.Sprintf("http: %v", err),
		Err:      err,
	}
}

// withTimeout derives the per-call context.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
