package saga

import (
	"fmt"
	"sort"
)

// Guard decides whether a rule applies to the incoming message.
type Guard func(inst *Instance, msg Message) bool

// Effect mutates the instance and queues outbound messages for one rule.
type Effect func(tx *Transition, msg Message) error

// UndoFunc builds the compensating command for a recorded effect.
type UndoFunc func(inst *Instance, effect EffectRecord) Message

// NotifyFunc builds a message emitted whenever an instance enters a state.
type NotifyFunc func(inst *Instance) Message

// Rule is one guarded branch of the transition table.
type Rule struct {
	Event      MessageType
	Label      string
	Guard      Guard
	Effect     Effect
	Next       State
	Ignore     bool
	Compensate bool

	finalize bool
}

// RuleBuilder builds a Rule fluently.
type RuleBuilder struct {
	rule Rule
}

// When starts a rule for the given message type.
func When(event MessageType) *RuleBuilder {
	return &RuleBuilder{rule: Rule{Event: event}}
}

// If attaches a guard. Without one the rule is unconditional.
func (b *RuleBuilder) If(guard Guard) *RuleBuilder {
	b.rule.Guard = guard
	return b
}

// Then attaches the effect run when the rule fires.
func (b *RuleBuilder) Then(effect Effect) *RuleBuilder {
	b.rule.Effect = effect
	return b
}

// Named labels the rule for logs and the journal.
func (b *RuleBuilder) Named(label string) *RuleBuilder {
	b.rule.Label = label
	return b
}

// TransitionTo sets the next state.
func (b *RuleBuilder) TransitionTo(next State) *RuleBuilder {
	b.rule.Next = next
	return b
}

// Finalize moves the instance to the definition's success state.
func (b *RuleBuilder) Finalize() *RuleBuilder {
	b.rule.finalize = true
	return b
}

// Ignore accepts the message without changing anything.
func (b *RuleBuilder) Ignore() *RuleBuilder {
	b.rule.Ignore = true
	return b
}

// Compensate undoes the most recent external effect and enters the rollback path.
func (b *RuleBuilder) Compensate() *RuleBuilder {
	b.rule.Compensate = true
	return b
}

// Definition is the immutable transition table of one workflow.
type Definition struct {
	name        string
	startEvent  MessageType
	initField   string
	final       State
	failed      State
	rollingBack State
	rolledBack  State
	states      map[State]struct{}
	table       map[State]map[MessageType][]Rule
	undo        map[string]UndoFunc
	onEnter     map[State][]NotifyFunc
}

// Name returns the workflow name.
func (d *Definition) Name() string { return d.name }

// StartEvent returns the only message type allowed to create instances.
func (d *Definition) StartEvent() MessageType { return d.startEvent }

// InitializingField returns the field whose presence marks an initialized run.
func (d *Definition) InitializingField() string { return d.initField }

// FinalState returns the success state.
func (d *Definition) FinalState() State { return d.final }

// FailedState returns the terminal failure state.
func (d *Definition) FailedState() State { return d.failed }

// RollingBackState returns the compensation-in-flight state, if any.
func (d *Definition) RollingBackState() State { return d.rollingBack }

// RolledBackState returns the compensated terminal state, if any.
func (d *Definition) RolledBackState() State { return d.rolledBack }

// IsTerminal reports whether the state accepts no further messages.
func (d *Definition) IsTerminal(s State) bool {
	if s == "" {
		return false
	}
	return s == d.final || s == d.failed || (d.rolledBack != "" && s == d.rolledBack)
}

// Rules returns the ordered rules for a state and message type.
func (d *Definition) Rules(s State, event MessageType) []Rule {
	return d.table[s][event]
}

// Accepts reports whether the state declares any rule for the message type.
func (d *Definition) Accepts(s State, event MessageType) bool {
	return len(d.table[s][event]) > 0
}

// States returns every declared state, sorted.
func (d *Definition) States() []State {
	out := make([]State, 0, len(d.states))
	for s := range d.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Events returns every message type the table consumes, sorted.
func (d *Definition) Events() []MessageType {
	seen := make(map[MessageType]struct{})
	for _, byEvent := range d.table {
		for event := range byEvent {
			seen[event] = struct{}{}
		}
	}
	out := make([]MessageType, 0, len(seen))
	for event := range seen {
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Builder incrementally constructs a Definition.
type Builder struct {
	def  *Definition
	errs []error
}

// Define starts a workflow definition.
func Define(name string) *Builder {
	return &Builder{
		def: &Definition{
			name:    name,
			states:  map[State]struct{}{StateInitial: {}},
			table:   make(map[State]map[MessageType][]Rule),
			undo:    make(map[string]UndoFunc),
			onEnter: make(map[State][]NotifyFunc),
		},
	}
}

// StartedBy declares the start event and its initializing field.
func (b *Builder) StartedBy(event MessageType, initializingField string) *Builder {
	b.def.startEvent = event
	b.def.initField = initializingField
	return b
}

// Final declares the success state.
func (b *Builder) Final(s State) *Builder {
	b.def.final = s
	b.def.states[s] = struct{}{}
	return b
}

// Failed declares the terminal failure state.
func (b *Builder) Failed(s State) *Builder {
	b.def.failed = s
	b.def.states[s] = struct{}{}
	return b
}

// Rollback declares the compensation path.
func (b *Builder) Rollback(rollingBack, rolledBack State) *Builder {
	b.def.rollingBack = rollingBack
	b.def.rolledBack = rolledBack
	b.def.states[rollingBack] = struct{}{}
	b.def.states[rolledBack] = struct{}{}
	return b
}

// Undo registers the compensating command for an effect name.
func (b *Builder) Undo(effect string, fn UndoFunc) *Builder {
	if effect == "" || fn == nil {
		b.errs = append(b.errs, fmt.Errorf("undo registration requires an effect name and function"))
		return b
	}
	if _, exists := b.def.undo[effect]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate undo for effect %q", effect))
		return b
	}
	b.def.undo[effect] = fn
	return b
}

// OnEnter emits a message every time an instance enters the state.
func (b *Builder) OnEnter(s State, fn NotifyFunc) *Builder {
	if fn != nil {
		b.def.onEnter[s] = append(b.def.onEnter[s], fn)
	}
	return b
}

// During declares the rules accepted while in a state, in evaluation order.
func (b *Builder) During(s State, rules ...*RuleBuilder) *Builder {
	if s == "" {
		b.errs = append(b.errs, fmt.Errorf("during: state cannot be empty"))
		return b
	}
	b.def.states[s] = struct{}{}
	byEvent, ok := b.def.table[s]
	if !ok {
		byEvent = make(map[MessageType][]Rule)
		b.def.table[s] = byEvent
	}
	for _, rb := range rules {
		if rb == nil {
			continue
		}
		if rb.rule.Event == "" {
			b.errs = append(b.errs, fmt.Errorf("state %s: rule without message type", s))
			continue
		}
		byEvent[rb.rule.Event] = append(byEvent[rb.rule.Event], rb.rule)
	}
	return b
}

// Build validates and returns the definition.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	d := b.def
	if err := d.resolve(); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Definition) resolve() error {
	for s, byEvent := range d.table {
		for event, rules := range byEvent {
			for idx := range rules {
				if rules[idx].finalize {
					if d.final == "" {
						return fmt.Errorf("state %s on %s: finalize requires a final state", s, event)
					}
					rules[idx].Next = d.final
				}
			}
		}
	}
	return nil
}

// Validate checks the table for unreachable, ambiguous or dangling rules.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("saga definition cannot be nil")
	}
	if d.name == "" {
		return fmt.Errorf("saga name cannot be empty")
	}
	if d.startEvent == "" {
		return fmt.Errorf("saga %s: start event cannot be empty", d.name)
	}
	if d.initField == "" {
		return fmt.Errorf("saga %s: initializing field cannot be empty", d.name)
	}
	if d.final == "" || d.failed == "" {
		return fmt.Errorf("saga %s: final and failed states are required", d.name)
	}
	if !d.Accepts(StateInitial, d.startEvent) {
		return fmt.Errorf("saga %s: %s must be accepted in %s", d.name, d.startEvent, StateInitial)
	}
	if (d.rollingBack == "") != (d.rolledBack == "") {
		return fmt.Errorf("saga %s: rollback path needs both states", d.name)
	}

	for s, byEvent := range d.table {
		if d.IsTerminal(s) && len(byEvent) > 0 {
			return fmt.Errorf("saga %s: terminal state %s cannot accept messages", d.name, s)
		}
		for event, rules := range byEvent {
			for idx, rule := range rules {
				where := fmt.Sprintf("saga %s: state %s on %s rule %d", d.name, s, event, idx)
				outcomes := 0
				if rule.Ignore {
					outcomes++
				}
				if rule.Compensate {
					outcomes++
				}
				if rule.Next != "" {
					outcomes++
				}
				if outcomes != 1 {
					return fmt.Errorf("%s: exactly one of TransitionTo, Finalize, Ignore or Compensate is required", where)
				}
				if rule.Ignore && rule.Effect != nil {
					return fmt.Errorf("%s: ignored rules cannot have effects", where)
				}
				if rule.Next != "" {
					if _, ok := d.states[rule.Next]; !ok {
						return fmt.Errorf("%s: unknown target state %s", where, rule.Next)
					}
				}
				if rule.Compensate && (d.rollingBack == "" || len(d.undo) == 0) {
					return fmt.Errorf("%s: compensation requires a rollback path and undo registrations", where)
				}
				if rule.Guard == nil && idx != len(rules)-1 {
					return fmt.Errorf("%s: unconditional rule shadows later rules", where)
				}
			}
		}
	}
	return nil
}
