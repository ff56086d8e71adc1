// Package models holds the inspection API payloads.
package models

import "time"

// WorkflowListResponse lists the registered workflows.
type WorkflowListResponse struct {
	Workflows []string `json:"workflows"`
}

// EffectResponse is one recorded external side effect.
type EffectResponse struct {
	Name        string    `json:"name"`
	Ref         string    `json:"ref"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
}

// SagaInstanceResponse is the full view of one saga instance.
type SagaInstanceResponse struct {
	Workflow       string               `json:"workflow"`
	CorrelationID  string               `json:"correlation_id"`
	State          string               `json:"state"`
	Version        int64                `json:"version"`
	Fields         map[string]string    `json:"fields,omitempty"`
	Effects        []EffectResponse     `json:"effects,omitempty"`
	Milestones     map[string]time.Time `json:"milestones,omitempty"`
	IsCompleted    bool                 `json:"is_completed"`
	IsFailed       bool                 `json:"is_failed"`
	NeedsAttention bool                 `json:"needs_attention"`
	ErrorMessage   string               `json:"error_message,omitempty"`
	PendingOutbox  int                  `json:"pending_outbox"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// SagaSummary is one row in list response.
type SagaSummary struct {
	CorrelationID  string    `json:"correlation_id"`
	State          string    `json:"state"`
	Version        int64     `json:"version"`
	IsCompleted    bool      `json:"is_completed"`
	IsFailed       bool      `json:"is_failed"`
	NeedsAttention bool      `json:"needs_attention"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SagaListResponse is paginated list of saga summaries.
type SagaListResponse struct {
	Workflow string        `json:"workflow"`
	Items    []SagaSummary `json:"items"`
	Total    int           `json:"total"`
	Limit    int           `json:"limit"`
	Offset   int           `json:"offset"`
}

// JournalEntryResponse is one committed transition.
type JournalEntryResponse struct {
	Sequence    uint64    `json:"sequence"`
	Version     int64     `json:"version"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	MessageType string    `json:"message_type"`
	Rule        string    `json:"rule,omitempty"`
	Commands    []string  `json:"commands,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// JournalResponse is the transition history of one instance.
type JournalResponse struct {
	Workflow      string                 `json:"workflow"`
	CorrelationID string                 `json:"correlation_id"`
	Entries       []JournalEntryResponse `json:"entries"`
}
