package saga

// RecordEffect records a completed external side effect so a later failure
// can undo it. ref identifies the created resource in the remote service.
func (t *Transition) RecordEffect(name, ref string) {
	for idx, effect := range t.inst.Effects {
		if effect.Name == name && effect.Ref == ref {
			t.inst.Effects[idx].Status = EffectDone
			return
		}
	}
	t.inst.Effects = append(t.inst.Effects, EffectRecord{
		Name:        name,
		Ref:         ref,
		Status:      EffectDone,
		CompletedAt: t.now,
	})
}

// CompensationSucceeded marks the effect being compensated as undone.
func (t *Transition) CompensationSucceeded() {
	if idx := t.compensatingIndex(); idx >= 0 {
		t.inst.Effects[idx].Status = EffectCompensated
	}
}

// CompensationFailed records the compensation failure reason and flags the
// instance for operator follow-up. Compensation is never retried by the engine.
func (t *Transition) CompensationFailed(reason string) {
	if idx := t.compensatingIndex(); idx >= 0 {
		t.inst.Effects[idx].Status = EffectCompensationFailed
	}
	t.AppendError(reason)
	t.RequireAttention()
}

// beginCompensation emits the undo command for the most recent completed
// effect and returns the rollback state. With nothing to undo the instance
// goes straight to the failed state.
func (t *Transition) beginCompensation() (State, string) {
	for idx := len(t.inst.Effects) - 1; idx >= 0; idx-- {
		effect := t.inst.Effects[idx]
		if effect.Status != EffectDone {
			continue
		}
		undo, ok := t.def.undo[effect.Name]
		if !ok {
			continue
		}
		t.inst.Effects[idx].Status = EffectCompensating
		t.Send(undo(t.inst, effect))
		return t.def.rollingBack, effect.Name
	}
	return t.def.failed, ""
}

func (t *Transition) compensatingIndex() int {
	for idx := len(t.inst.Effects) - 1; idx >= 0; idx-- {
		if t.inst.Effects[idx].Status == EffectCompensating {
			return idx
		}
	}
	return -1
}
