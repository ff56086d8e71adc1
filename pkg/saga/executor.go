package saga

import (
	"fmt"
	"time"
)

// Outcome is the result of applying one message to an instance.
type Outcome struct {
	// Instance is the mutated copy. The input instance is never modified.
	Instance *Instance
	From     State
	To       State
	Rule     string
	Messages []Message

	// Ignored is set when a rule explicitly accepted the message as a no-op.
	Ignored bool
	// Discarded is set when no rule matched or the instance is terminal.
	Discarded bool
	// Compensating names the effect whose undo command was emitted.
	Compensating string
}

// Changed reports whether the outcome must be persisted.
func (o Outcome) Changed() bool {
	return !o.Ignored && !o.Discarded
}

// Transition is the mutable view handed to rule effects.
type Transition struct {
	def      *Definition
	inst     *Instance
	now      time.Time
	messages []Message
}

// Instance exposes the instance being transitioned.
func (t *Transition) Instance() *Instance {
	return t.inst
}

// Field returns a business field.
func (t *Transition) Field(key string) string {
	return t.inst.Field(key)
}

// Set writes a business field once. Writing the same value again is a no-op.
func (t *Transition) Set(key, value string) error {
	if t.inst.Fields == nil {
		t.inst.Fields = make(map[string]string)
	}
	existing := t.inst.Fields[key]
	if existing != "" && existing != value {
		return &WriteOnceError{Field: key, Existing: existing, Proposed: value}
	}
	if value == "" {
		return nil
	}
	t.inst.Fields[key] = value
	return nil
}

// Mark records a milestone timestamp. First write wins.
func (t *Transition) Mark(milestone string) {
	t.inst.mark(milestone, t.now)
}

// AppendError adds a failure reason without discarding earlier ones.
func (t *Transition) AppendError(reason string) {
	t.inst.appendError(reason)
}

// RequireAttention flags the instance for operator follow-up.
func (t *Transition) RequireAttention() {
	t.inst.NeedsAttention = true
}

// Send queues an outbound message, committed atomically with the transition.
func (t *Transition) Send(msg Message) {
	if msg != nil {
		t.messages = append(t.messages, msg)
	}
}

// Now returns the transition timestamp.
func (t *Transition) Now() time.Time {
	return t.now
}

// Apply evaluates the definition against one message. It performs no I/O.
// Effect errors and panics surface as *FaultError.
func Apply(def *Definition, inst *Instance, msg Message, now time.Time) (out Outcome, err error) {
	if def == nil || inst == nil || msg == nil {
		return Outcome{}, fmt.Errorf("saga: apply requires a definition, instance and message")
	}
	out = Outcome{Instance: inst, From: inst.State, To: inst.State}

	if def.IsTerminal(inst.State) {
		out.Discarded = true
		return out, nil
	}

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Instance: inst, From: inst.State, To: inst.State}
			err = &FaultError{
				Workflow:      def.name,
				CorrelationID: inst.CorrelationID,
				State:         inst.State,
				MessageType:   msg.MessageType(),
				Cause:         fmt.Errorf("panic: %v", r),
			}
		}
	}()

	rule, ok := selectRule(def.Rules(inst.State, msg.MessageType()), inst, msg)
	if !ok {
		out.Discarded = true
		return out, nil
	}
	out.Rule = rule.Label
	if rule.Ignore {
		out.Ignored = true
		return out, nil
	}

	tx := &Transition{def: def, inst: inst.Clone(), now: now}
	if rule.Effect != nil {
		if effectErr := rule.Effect(tx, msg); effectErr != nil {
			return Outcome{Instance: inst, From: inst.State, To: inst.State}, &FaultError{
				Workflow:      def.name,
				CorrelationID: inst.CorrelationID,
				State:         inst.State,
				MessageType:   msg.MessageType(),
				Cause:         effectErr,
			}
		}
	}

	next := rule.Next
	if rule.Compensate {
		next, out.Compensating = tx.beginCompensation()
	}
	tx.enter(next)

	out.Instance = tx.inst
	out.To = next
	out.Messages = tx.messages
	return out, nil
}

func selectRule(rules []Rule, inst *Instance, msg Message) (Rule, bool) {
	for _, rule := range rules {
		if rule.Guard == nil || rule.Guard(inst, msg) {
			return rule, true
		}
	}
	return Rule{}, false
}

// enter assigns the next state and applies the terminal flags and
// per-state notifications.
func (t *Transition) enter(next State) {
	inst := t.inst
	inst.State = next
	inst.UpdatedAt = t.now
	inst.mark(string(next), t.now)

	switch {
	case next == t.def.final:
		inst.IsCompleted = true
	case next == t.def.failed:
		inst.IsFailed = true
	case t.def.rolledBack != "" && next == t.def.rolledBack:
		inst.IsFailed = true
	}

	for _, notify := range t.def.onEnter[next] {
		t.Send(notify(inst))
	}
}

// failInstance builds the Failed copy of an instance for an execution fault.
func failInstance(def *Definition, inst *Instance, fault *FaultError, now time.Time) Outcome {
	tx := &Transition{def: def, inst: inst.Clone(), now: now}
	tx.AppendError(fault.Cause.Error())
	tx.enter(def.failed)
	return Outcome{
		Instance: tx.inst,
		From:     inst.State,
		To:       def.failed,
		Rule:     "fault",
		Messages: tx.messages,
	}
}
