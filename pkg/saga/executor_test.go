package saga

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func started(t *testing.T, def *Definition) *Instance {
	t.Helper()
	out, err := Apply(def, NewInstance(def.Name(), "c-1", testEpoch), msg("c-1", evtStart, "a@example.com"), testEpoch)
	if err != nil {
		t.Fatalf("Apply(start) error = %v", err)
	}
	return out.Instance
}

func TestApplyStartTransition(t *testing.T) {
	def := testDefinition(t)
	inst := NewInstance(def.Name(), "c-1", testEpoch)

	out, err := Apply(def, inst, msg("c-1", evtStart, "a@example.com"), testEpoch.Add(time.Second))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if out.From != StateInitial || out.To != stCreating {
		t.Fatalf("transition = %s -> %s", out.From, out.To)
	}
	if out.Rule != "start" {
		t.Fatalf("Rule = %q", out.Rule)
	}
	if !out.Changed() {
		t.Fatal("expected a persisted change")
	}
	if len(out.Messages) != 1 || out.Messages[0].MessageType() != cmdCreateThing {
		t.Fatalf("Messages = %#v", out.Messages)
	}
	if out.Instance.Field("email") != "a@example.com" {
		t.Fatalf("email = %q", out.Instance.Field("email"))
	}
	if _, ok := out.Instance.Milestones[string(stCreating)]; !ok {
		t.Fatal("expected milestone for entered state")
	}

	// The input is never mutated.
	if inst.State != StateInitial || inst.Field("email") != "" {
		t.Fatalf("input instance mutated: %#v", inst)
	}
}

func TestApplyDiscardsUnhandledAndTerminal(t *testing.T) {
	def := testDefinition(t)
	inst := started(t, def)

	out, err := Apply(def, inst, msg("c-1", evtActivated, ""), testEpoch)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !out.Discarded || out.Changed() {
		t.Fatalf("expected discard for message without a rule, got %#v", out)
	}

	done := inst.Clone()
	done.State = stDone
	out, err = Apply(def, done, msg("c-1", evtThingCreated, "t-1"), testEpoch)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !out.Discarded {
		t.Fatal("terminal instance must discard every message")
	}
}

func TestApplyIgnoresDuplicateStart(t *testing.T) {
	def := testDefinition(t)
	inst := started(t, def)

	out, err := Apply(def, inst, msg("c-1", evtStart, "other@example.com"), testEpoch)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !out.Ignored || out.Changed() {
		t.Fatalf("expected ignore, got %#v", out)
	}
	if len(out.Messages) != 0 {
		t.Fatal("ignored messages must not emit commands")
	}
	if out.Instance.Field("email") != "a@example.com" {
		t.Fatal("ignored message changed the instance")
	}
}

func TestApplyEffectErrorIsFault(t *testing.T) {
	def := testDefinition(t)
	inst := started(t, def)

	_, err := Apply(def, inst, msg("c-1", evtRewrite, "b@example.com"), testEpoch)
	var fault *FaultError
	if !errors.As(err, &fault) {
		t.Fatalf("expected FaultError, got %v", err)
	}
	var writeOnce *WriteOnceError
	if !errors.As(err, &writeOnce) || writeOnce.Field != "email" {
		t.Fatalf("expected write-once violation, got %v", fault.Cause)
	}
	if fault.State != stCreating || fault.MessageType != evtRewrite {
		t.Fatalf("unexpected fault context: %#v", fault)
	}
}

func TestApplyPanicIsFault(t *testing.T) {
	def := testDefinition(t)
	inst := started(t, def)

	out, err := Apply(def, inst, msg("c-1", evtExplode, ""), testEpoch)
	var fault *FaultError
	if !errors.As(err, &fault) {
		t.Fatalf("expected FaultError, got %v", err)
	}
	if !strings.Contains(fault.Cause.Error(), "kaboom") {
		t.Fatalf("Cause = %v", fault.Cause)
	}
	if out.Instance != inst || out.To != stCreating {
		t.Fatal("panicking transition must hand back the unchanged instance")
	}
}

func TestFailInstance(t *testing.T) {
	def := testDefinition(t)
	inst := started(t, def)
	fault := &FaultError{Workflow: def.Name(), CorrelationID: "c-1", State: stCreating, Cause: errors.New("store exploded")}

	out := failInstance(def, inst, fault, testEpoch)
	if out.To != stFailed || !out.Instance.IsFailed {
		t.Fatalf("expected failed instance, got %#v", out.Instance)
	}
	if out.Instance.ErrorMessage != "store exploded" {
		t.Fatalf("ErrorMessage = %q", out.Instance.ErrorMessage)
	}
	if len(out.Messages) != 1 || out.Messages[0].MessageType() != evtNotifyFailed {
		t.Fatalf("expected failure notification, got %#v", out.Messages)
	}
	if inst.IsFailed {
		t.Fatal("input instance mutated")
	}
}

func TestTransitionSetIsWriteOnce(t *testing.T) {
	tx := &Transition{inst: NewInstance("wf", "c-1", testEpoch), now: testEpoch}

	if err := tx.Set("k", "v"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := tx.Set("k", "v"); err != nil {
		t.Fatalf("Set() with same value error = %v", err)
	}
	if err := tx.Set("k", ""); err == nil {
		t.Fatal("clearing a populated field must fail")
	}
	if err := tx.Set("k", "w"); err == nil {
		t.Fatal("overwriting a populated field must fail")
	}
	if err := tx.Set("empty", ""); err != nil {
		t.Fatalf("Set() empty error = %v", err)
	}
	if _, ok := tx.Instance().Fields["empty"]; ok {
		t.Fatal("empty value must not be stored")
	}

	tx.Mark("m")
	first := tx.Instance().Milestones["m"]
	tx.now = testEpoch.Add(time.Minute)
	tx.Mark("m")
	if !tx.Instance().Milestones["m"].Equal(first) {
		t.Fatal("milestones are first-write-wins")
	}
}

func TestApplyCompensationRollsBack(t *testing.T) {
	def := testDefinition(t)
	inst := started(t, def)

	out, err := Apply(def, inst, msg("c-1", evtThingCreated, "thing-9"), testEpoch)
	if err != nil {
		t.Fatalf("Apply(created) error = %v", err)
	}
	if len(out.Instance.Effects) != 1 || out.Instance.Effects[0].Status != EffectDone {
		t.Fatalf("expected recorded effect, got %#v", out.Instance.Effects)
	}

	out, err = Apply(def, out.Instance, msg("c-1", evtActivationFailed, "mail bounced"), testEpoch)
	if err != nil {
		t.Fatalf("Apply(activation failed) error = %v", err)
	}
	if out.To != stRollingBack || out.Compensating != "thing" {
		t.Fatalf("expected compensation of thing, got to=%s compensating=%q", out.To, out.Compensating)
	}
	if len(out.Messages) != 1 || out.Messages[0].MessageType() != cmdDeleteThing || value(out.Messages[0]) != "thing-9" {
		t.Fatalf("expected undo command for thing-9, got %#v", out.Messages)
	}
	if out.Instance.Effects[0].Status != EffectCompensating {
		t.Fatalf("effect status = %s", out.Instance.Effects[0].Status)
	}
	if out.Instance.Finalized() {
		t.Fatal("rolling back is not terminal")
	}

	rolled, err := Apply(def, out.Instance, msg("c-1", evtThingDeleted, ""), testEpoch)
	if err != nil {
		t.Fatalf("Apply(deleted) error = %v", err)
	}
	if rolled.To != stRolledBack || !rolled.Instance.IsFailed || rolled.Instance.NeedsAttention {
		t.Fatalf("unexpected rolled back instance: %#v", rolled.Instance)
	}
	if rolled.Instance.Effects[0].Status != EffectCompensated {
		t.Fatalf("effect status = %s", rolled.Instance.Effects[0].Status)
	}
	if rolled.Instance.ErrorMessage != "mail bounced" {
		t.Fatalf("ErrorMessage = %q", rolled.Instance.ErrorMessage)
	}
}

func TestApplyCompensationFailureNeedsAttention(t *testing.T) {
	def := testDefinition(t)
	inst := started(t, def)

	out, _ := Apply(def, inst, msg("c-1", evtThingCreated, "thing-9"), testEpoch)
	out, _ = Apply(def, out.Instance, msg("c-1", evtActivationFailed, "mail bounced"), testEpoch)
	failed, err := Apply(def, out.Instance, msg("c-1", evtThingDeleteFail, "delete refused"), testEpoch)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if failed.To != stFailed || !failed.Instance.IsFailed || !failed.Instance.NeedsAttention {
		t.Fatalf("unexpected instance: %#v", failed.Instance)
	}
	errs := failed.Instance.Errors()
	if len(errs) != 2 || errs[0] != "mail bounced" || errs[1] != "delete refused" {
		t.Fatalf("Errors() = %v", errs)
	}
	if failed.Instance.Effects[0].Status != EffectCompensationFailed {
		t.Fatalf("effect status = %s", failed.Instance.Effects[0].Status)
	}
}

func TestApplyCompensationWithoutEffectsFails(t *testing.T) {
	def := testDefinition(t)
	inst := started(t, def)

	out, err := Apply(def, inst, msg("c-1", evtCancel, ""), testEpoch)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if out.To != stFailed || out.Compensating != "" {
		t.Fatalf("expected direct failure, got to=%s compensating=%q", out.To, out.Compensating)
	}
	if len(out.Messages) != 1 || out.Messages[0].MessageType() != evtNotifyFailed {
		t.Fatalf("expected only the failure notification, got %#v", out.Messages)
	}
}
