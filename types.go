package gerbang

import (
	"context"
	"time"
)

// Priority orders requests for batching decisions. High and Urgent requests
// bypass batching and are dispatched directly.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// String returns a human readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Message is a single role-tagged message in a model conversation payload.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Payload carries the model input: either an ordered message list or a bare
// prompt string. Messages take precedence when both are set.
type Payload struct {
	Prompt   string    `json:"prompt,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

// Empty reports whether the payload carries no input at all.
func (p Payload) Empty() bool {
	return p.Prompt == "" && len(p.Messages) == 0
}

// RequestOptions holds per-request model parameters.
type RequestOptions struct {
	Temperature    float64 `json:"temperature,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Stream         bool    `json:"stream,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
}

// GatewayRequest is a single logical submission to the gateway. It is treated
// as immutable once admitted; the gateway fills ID, CreatedAt and the derived
// estimate fields when they are zero.
type GatewayRequest struct {
	ID         string
	OriginalID string

	Provider string
	Model    string
	Payload  Payload
	Options  RequestOptions

	UserID    string
	ProjectID string
	SessionID string
	IP        string

	Priority  Priority
	CreatedAt time.Time

	EstimatedTokens int
	EstimatedCost   float64
}

// Response is the result of a dispatched request, possibly served from cache
// or shared with other callers via deduplication.
type Response struct {
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Content      string    `json:"content"`
	TokensUsed   int       `json:"tokens_used"`
	FinishReason string    `json:"finish_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	FromCache    bool      `json:"from_cache,omitempty"`
}

// Dispatcher performs the actual network call to a model provider. It is
// implemented by provider-specific adapters outside this package.
type Dispatcher interface {
	Dispatch(ctx context.Context, providerID, modelID string, payload Payload, opts RequestOptions) (*Response, error)

	// DispatchBatch sends several payloads as one downstream call and returns
	// one response per payload, in order. Adapters without a native batch API
	// may loop over Dispatch.
	DispatchBatch(ctx context.Context, providerID, modelID string, payloads []Payload, opts RequestOptions) ([]*Response, error)
}

// DispatcherFunc adapts a plain function to the single-call side of
// Dispatcher; DispatchBatch loops sequentially.
type DispatcherFunc func(ctx context.Context, providerID, modelID string, payload Payload, opts RequestOptions) (*Response, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, providerID, modelID string, payload Payload, opts RequestOptions) (*Response, error) {
	return f(ctx, providerID, modelID, payload, opts)
}

func (f DispatcherFunc) DispatchBatch(ctx context.Context, providerID, modelID string, payloads []Payload, opts RequestOptions) ([]*Response, error) {
	responses := make([]*Response, len(payloads))
	for i, payload := range payloads {
		resp, err := f(ctx, providerID, modelID, payload, opts)
		if err != nil {
			return nil, err
		}
		responses[i] = resp
	}
	return responses, nil
}

// Scope selects which request identity a rate limit rule keys on.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
	ScopeSession Scope = "session"
	ScopeIP      Scope = "ip"
)

// Option configures a Gateway.
type Option func(*Gateway)

// LoadFactorFunc supplies the load signal for the adaptive rate limit
// strategy. It returns a multiplier applied to rule limits; 1.0 means no
// scaling. The input is intentionally abstract: wire it to whatever load
// signal the deployment exposes.
type LoadFactorFunc func(now time.Time) float64

// CostFunc estimates the monetary cost of a request before dispatch.
type CostFunc func(req *GatewayRequest) float64
