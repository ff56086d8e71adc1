package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sagaflow/sagaflow/pkg/participants"
	"github.com/sagaflow/sagaflow/pkg/saga"
	"github.com/sagaflow/sagaflow/pkg/workflows"
)

const demoPollInterval = 20 * time.Millisecond

// DemoResult is the outcome of one sample run.
type DemoResult struct {
	Workflow      string `json:"workflow"`
	CorrelationID string `json:"correlation_id"`
	Scenario      string `json:"scenario"`
	State         string `json:"state"`
	Error         string `json:"error,omitempty"`
}

// demoHash is a well-formed cost-4 bcrypt hash. The identity service stores
// hashes as given, so sample runs do not pay for hashing.
const demoHash = "$2a$04$NfwDq9kz3zODf7Xc9CQV8uPVHqjQkWnDhpa8yYgh8ZEXjY0h2lUvK"

// RunDemo publishes sample registration and admin creation runs onto the bus
// and waits for each to settle. It acts as an initiator would: every step is
// an event on the bus, never a direct orchestrator call.
func (e *Engine) RunDemo(ctx context.Context) ([]DemoResult, error) {
	if e.State() != StateRunning {
		return nil, &EngineNotRunningError{}
	}
	ctx, span := engineTracer().Start(ctx, spanEngineDemo)
	defer span.End()

	runs := []func(context.Context) (DemoResult, error){
		e.demoRegistration,
		e.demoAdminCreation,
		e.demoAdminWithoutProfile,
	}
	results := make([]DemoResult, 0, len(runs))
	for _, run := range runs {
		res, err := run(ctx)
		if err != nil {
			return results, err
		}
		span.AddEvent("demo run settled", trace.WithAttributes(
			attribute.String("saga.workflow", res.Workflow),
			attribute.String("saga.state", res.State),
		))
		e.logger.InfoContext(ctx, "demo run settled",
			"workflow", res.Workflow,
			"scenario", res.Scenario,
			"correlation_id", res.CorrelationID,
			"state", res.State,
			"error", res.Error,
		)
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) demoRegistration(ctx context.Context) (DemoResult, error) {
	id := uuid.NewString()
	steps := []struct {
		msg  saga.Message
		want saga.State
	}{
		{workflows.RegistrationStarted{
			Correlation:       id,
			Email:             "user-" + id[:8] + "@example.com",
			EncryptedPassword: demoHash,
			FirstName:         "Demo",
			LastName:          "User",
		}, workflows.RegStarted},
		{workflows.OtpSent{Correlation: id}, workflows.RegOtpSent},
		{workflows.OtpVerified{Correlation: id}, ""},
	}
	for _, step := range steps {
		if err := e.publisher.Send(ctx, step.msg); err != nil {
			return DemoResult{}, fmt.Errorf("demo registration %s: %w", step.msg.MessageType(), err)
		}
		want := step.want
		inst, err := e.awaitInstance(ctx, workflows.WorkflowRegistration, id, func(inst *saga.Instance) bool {
			if want == "" {
				return inst.Finalized()
			}
			return inst.State == want
		})
		if err != nil {
			return DemoResult{}, err
		}
		if want == "" {
			return demoResult(inst, "registration"), nil
		}
	}
	return DemoResult{}, fmt.Errorf("demo registration %s did not settle", id)
}

func (e *Engine) demoAdminCreation(ctx context.Context) (DemoResult, error) {
	id := uuid.NewString()
	email := "admin-" + id[:8] + "@example.com"
	profile, err := e.profiles.CreateProfile(ctx, "demo-"+id, participants.Profile{Email: email})
	if err != nil {
		return DemoResult{}, fmt.Errorf("demo admin creation: pre-create profile: %w", err)
	}
	if err := e.publisher.Send(ctx, workflows.AdminUserCreationStarted{
		Correlation:       id,
		Email:             email,
		EncryptedPassword: demoHash,
		Role:              workflows.RoleAdmin,
		ProfileID:         profile.ID,
	}); err != nil {
		return DemoResult{}, fmt.Errorf("demo admin creation: %w", err)
	}
	inst, err := e.awaitInstance(ctx, workflows.WorkflowAdminCreation, id, (*saga.Instance).Finalized)
	if err != nil {
		return DemoResult{}, err
	}
	return demoResult(inst, "admin creation"), nil
}

func (e *Engine) demoAdminWithoutProfile(ctx context.Context) (DemoResult, error) {
	id := uuid.NewString()
	if err := e.publisher.Send(ctx, workflows.AdminUserCreationStarted{
		Correlation:       id,
		Email:             "orphan-" + id[:8] + "@example.com",
		EncryptedPassword: demoHash,
	}); err != nil {
		return DemoResult{}, fmt.Errorf("demo admin creation without profile: %w", err)
	}
	inst, err := e.awaitInstance(ctx, workflows.WorkflowAdminCreation, id, (*saga.Instance).Finalized)
	if err != nil {
		return DemoResult{}, err
	}
	return demoResult(inst, "admin creation without profile"), nil
}

func demoResult(inst *saga.Instance, scenario string) DemoResult {
	return DemoResult{
		Workflow:      inst.Workflow,
		CorrelationID: inst.CorrelationID,
		Scenario:      scenario,
		State:         inst.State.String(),
		Error:         inst.ErrorMessage,
	}
}

// awaitInstance polls the store until done reports true or ctx ends.
func (e *Engine) awaitInstance(ctx context.Context, workflow, id string, done func(*saga.Instance) bool) (*saga.Instance, error) {
	o, ok := e.Orchestrator(workflow)
	if !ok {
		return nil, fmt.Errorf("unknown workflow %s", workflow)
	}
	ticker := time.NewTicker(demoPollInterval)
	defer ticker.Stop()
	for {
		inst, err := o.Get(ctx, id)
		switch {
		case err == nil && done(inst):
			return inst, nil
		case err != nil && !errors.Is(err, saga.ErrInstanceNotFound):
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s/%s: %w", workflow, id, ctx.Err())
		case <-ticker.C:
		}
	}
}
