package domain

import (
	"time"
)

// Priority levels for request scheduling. Lower value means higher priority,
// so the level doubles as a bucket index.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground

	PriorityLevels = 5
)

var priorityNames = [...]string{"CRITICAL", "HIGH", "NORMAL", "LOW", "BACKGROUND"}

func (p Priority) String() string {
	if p < PriorityCritical || p > PriorityBackground {
		return "UNKNOWN"
	}
	return priorityNames[p]
}

func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// InferenceRequest is immutable once accepted by the scheduler.
type InferenceRequest struct {
	RequestID       string    `json:"requestId"`
	ModelID         string    `json:"modelId"`
	Prompt          string    `json:"prompt"`
	MaxTokens       int       `json:"maxTokens,omitempty"`
	Temperature     float64   `json:"temperature,omitempty"`
	TopP            float64   `json:"topP,omitempty"`
	SessionID       string    `json:"sessionId,omitempty"`
	Stream          bool      `json:"stream,omitempty"`
	Priority        Priority  `json:"priority,omitempty"`
	TenantID        string    `json:"tenantId,omitempty"`
	EstimatedTokens int       `json:"estimatedTokens,omitempty"`
	Deadline        time.Time `json:"deadline,omitempty"`
}

// Validate checks field ranges once at ingress. The per-token hot path never
// re-validates.
func (r *InferenceRequest) Validate() error {
	if r.RequestID == "" {
		return NewValidationError("requestId must not be empty")
	}
	if r.ModelID == "" {
		return NewValidationError("modelId must not be empty")
	}
	if r.Prompt == "" {
		return NewValidationError("prompt must not be empty")
	}
	if r.MaxTokens < 0 {
		return NewValidationError("maxTokens must be non-negative")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return NewValidationError("temperature must be within [0, 2]")
	}
	if r.TopP < 0 || r.TopP > 1 {
		return NewValidationError("topP must be within [0, 1]")
	}
	if !r.Priority.Valid() {
		return NewValidationError("unknown priority level")
	}
	return nil
}

// PromptMessage is a single chat turn inside a PromptPayload.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptPayload carries a structured prompt for chat-style models.
type PromptPayload struct {
	Messages     []PromptMessage `json:"messages"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	MaxTokens    int             `json:"maxTokens,omitempty"`
	Temperature  float64         `json:"temperature,omitempty"`
}
