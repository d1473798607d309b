package gerbang

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tiktoken-go/tokenizer"
	"github.com/zeebo/xxh3"
)

// NewRequest builds a GatewayRequest with a fresh ID, CreatedAt and token
// estimate. Scope identities and priority can be set on the returned value
// before submission.
func NewRequest(provider, model string, payload Payload) *GatewayRequest {
	return &GatewayRequest{
		ID:              uuid.NewString(),
		Provider:        provider,
		Model:           model,
		Payload:         payload,
		Priority:        PriorityNormal,
		CreatedAt:       time.Now(),
		EstimatedTokens: EstimateTokens(model, payload),
	}
}

// normalize fills the fields the gateway owns when the caller left them zero.
func (r *GatewayRequest) normalize() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.OriginalID == "" {
		r.OriginalID = r.ID
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.EstimatedTokens == 0 {
		r.EstimatedTokens = EstimateTokens(r.Model, r.Payload)
	}
}

// validate rejects requests the pipeline cannot route.
func (r *GatewayRequest) validate() error {
	if r.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrValidation)
	}
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrValidation)
	}
	if r.Payload.Empty() {
		return fmt.Errorf("%w: payload is empty", ErrValidation)
	}
	return nil
}

// scopeKey returns the identity string a rule's scope resolves to for this
// request. Unset identities fall back to "anonymous" so limits still apply.
func (r *GatewayRequest) scopeKey(scope Scope) string {
	var id string
	switch scope {
	case ScopeGlobal:
		return "global"
	case ScopeUser:
		id = r.UserID
	case ScopeProject:
		id = r.ProjectID
	case ScopeSession:
		id = r.SessionID
	case ScopeIP:
		id = r.IP
	}
	if id == "" {
		id = "anonymous"
	}
	return string(scope) + ":" + id
}

// field resolves a condition field name to its request value.
func (r *GatewayRequest) field(name string) (string, bool) {
	switch name {
	case "provider":
		return r.Provider, true
	case "model":
		return r.Model, true
	case "priority":
		return strconv.Itoa(int(r.Priority)), true
	case "userId":
		return r.UserID, true
	case "projectId":
		return r.ProjectID, true
	case "sessionId":
		return r.SessionID, true
	case "ip":
		return r.IP, true
	default:
		return "", false
	}
}

// Fingerprint derives the deterministic cache/dedup key for a request.
// It is a pure function of provider, model and payload, plus the sampling
// options when includeOptions is set, so the same logical request always
// yields the same key across restarts.
func Fingerprint(r *GatewayRequest, includeOptions bool) string {
	buf := make([]byte, 0, 256)
	buf = append(buf, r.Provider...)
	buf = append(buf, 0)
	buf = append(buf, r.Model...)
	buf = append(buf, 0)
	buf = append(buf, r.Payload.Prompt...)
	for _, m := range r.Payload.Messages {
		buf = append(buf, 0)
		buf = append(buf, m.Role...)
		buf = append(buf, ':')
		buf = append(buf, m.Content...)
	}
	if includeOptions {
		buf = append(buf, 0)
		buf = strconv.AppendFloat(buf, r.Options.Temperature, 'g', -1, 64)
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(r.Options.MaxTokens), 10)
		buf = append(buf, ':')
		buf = append(buf, r.Options.ResponseFormat...)
	}

	h := xxh3.Hash128(buf)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

// EstimateTokens approximates the token count of a payload using the model's
// tokenizer, falling back to cl100k and finally to a bytes/4 heuristic for
// models no tokenizer knows about.
func EstimateTokens(model string, payload Payload) int {
	text := payload.Prompt
	for _, m := range payload.Messages {
		text += m.Role + "\n" + m.Content + "\n"
	}
	if text == "" {
		return 0
	}

	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
	}
	if err == nil {
		if ids, _, encErr := codec.Encode(text); encErr == nil {
			return len(ids)
		}
	}

	return (len(text) + 3) / 4
}
