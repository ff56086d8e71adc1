package saga

import (
	"sort"
	"strings"
	"time"
)

// State names one step of a workflow's state machine.
type State string

// StateInitial is the state of an instance that exists but has not consumed
// its start event yet. Brand new and provisioned instances are both Initial.
const StateInitial State = "Initial"

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Effect status values tracked on EffectRecord.
const (
	EffectDone               = "done"
	EffectCompensating       = "compensating"
	EffectCompensated        = "compensated"
	EffectCompensationFailed = "compensation_failed"
)

// EffectRecord is one external side effect produced by a forward step.
type EffectRecord struct {
	Name        string    `json:"name"`
	Ref         string    `json:"ref"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
}

// Instance is the persisted state of one workflow run.
type Instance struct {
	Workflow      string `json:"workflow"`
	CorrelationID string `json:"correlation_id"`
	State         State  `json:"state"`
	Version       int64  `json:"version"`

	// Fields holds write-once business data populated as the workflow advances.
	Fields map[string]string `json:"fields,omitempty"`
	// Provisioned lists Fields keys set by the initiator before the start
	// event. They survive re-initialization.
	Provisioned []string `json:"provisioned,omitempty"`

	Effects    []EffectRecord       `json:"effects,omitempty"`
	Milestones map[string]time.Time `json:"milestones,omitempty"`

	IsCompleted    bool   `json:"is_completed"`
	IsFailed       bool   `json:"is_failed"`
	NeedsAttention bool   `json:"needs_attention"`
	ErrorMessage   string `json:"error_message,omitempty"`

	// Outbox holds messages committed with a transition and not yet
	// acknowledged by the bus.
	Outbox []OutboxMessage `json:"outbox,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewInstance returns an unsaved Initial instance.
func NewInstance(workflow, correlationID string, now time.Time) *Instance {
	return &Instance{
		Workflow:      workflow,
		CorrelationID: correlationID,
		State:         StateInitial,
		Fields:        make(map[string]string),
		Milestones:    make(map[string]time.Time),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Field returns a business field or "" when unset.
func (i *Instance) Field(key string) string {
	if i == nil || i.Fields == nil {
		return ""
	}
	return i.Fields[key]
}

// Finalized reports whether the instance reached a terminal outcome.
func (i *Instance) Finalized() bool {
	return i.IsCompleted || i.IsFailed
}

// HasPendingOutbox reports whether committed messages still await publication.
func (i *Instance) HasPendingOutbox() bool {
	return len(i.Outbox) > 0
}

// Errors splits ErrorMessage into the individual failure reasons.
func (i *Instance) Errors() []string {
	if i.ErrorMessage == "" {
		return nil
	}
	return strings.Split(i.ErrorMessage, errorSeparator)
}

// MilestoneNames returns recorded milestones ordered by time.
func (i *Instance) MilestoneNames() []string {
	names := make([]string, 0, len(i.Milestones))
	for name := range i.Milestones {
		names = append(names, name)
	}
	sort.Slice(names, func(a, b int) bool {
		ta, tb := i.Milestones[names[a]], i.Milestones[names[b]]
		if ta.Equal(tb) {
			return names[a] < names[b]
		}
		return ta.Before(tb)
	})
	return names
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Fields = make(map[string]string, len(i.Fields))
	for k, v := range i.Fields {
		cp.Fields[k] = v
	}
	cp.Milestones = make(map[string]time.Time, len(i.Milestones))
	for k, v := range i.Milestones {
		cp.Milestones[k] = v
	}
	cp.Provisioned = append([]string(nil), i.Provisioned...)
	cp.Effects = append([]EffectRecord(nil), i.Effects...)
	if len(i.Outbox) > 0 {
		cp.Outbox = make([]OutboxMessage, len(i.Outbox))
		for idx, msg := range i.Outbox {
			cp.Outbox[idx] = msg.clone()
		}
	} else {
		cp.Outbox = nil
	}
	return &cp
}

// reinitialize clears everything a previous run left behind except the
// provisioned fields, returning the instance to Initial.
func (i *Instance) reinitialize(now time.Time) {
	kept := make(map[string]string, len(i.Provisioned))
	for _, key := range i.Provisioned {
		if v, ok := i.Fields[key]; ok {
			kept[key] = v
		}
	}
	i.Fields = kept
	i.Effects = nil
	// Unpublished commands of the abandoned run would feed replies into the new one.
	i.Outbox = nil
	i.Milestones = make(map[string]time.Time)
	i.IsCompleted = false
	i.IsFailed = false
	i.NeedsAttention = false
	i.ErrorMessage = ""
	i.State = StateInitial
	i.UpdatedAt = now
}

const errorSeparator = "; "

func (i *Instance) appendError(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return
	}
	if i.ErrorMessage == "" {
		i.ErrorMessage = reason
		return
	}
	i.ErrorMessage += errorSeparator + reason
}

func (i *Instance) mark(milestone string, now time.Time) {
	if i.Milestones == nil {
		i.Milestones = make(map[string]time.Time)
	}
	if _, ok := i.Milestones[milestone]; ok {
		return
	}
	i.Milestones[milestone] = now
}
