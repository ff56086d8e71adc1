package participants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/messaging"
	"github.com/sagaflow/sagaflow/pkg/saga"
	"github.com/sagaflow/sagaflow/pkg/workflows"
)

// Replier sends a participant's reply onto the bus.
type Replier interface {
	Send(ctx context.Context, msg saga.Message) error
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(ctx context.Context, msg saga.Message) error

// Send calls f.
func (f ReplierFunc) Send(ctx context.Context, msg saga.Message) error {
	return f(ctx, msg)
}

// Participant handles exactly one command type.
type Participant interface {
	CommandType() saga.MessageType
	Handle(ctx context.Context, msg saga.Message) error
}

// RetryPolicy bounds the internal retry of a participant's local operation.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns 3 attempts with exponential backoff from 20ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
}

// IsTransient reports whether a service error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

type base struct {
	reply  Replier
	policy RetryPolicy
	logger logger.Logger
}

func newBase(reply Replier, policy RetryPolicy, log logger.Logger, name string) base {
	if policy.Attempts == 0 {
		policy.Attempts = 1
	}
	if log == nil {
		log = logger.Global()
	}
	return base{reply: reply, policy: policy, logger: log.With("participant", name)}
}

// do runs op with bounded retry on transient errors.
func (b base) do(ctx context.Context, correlationID string, op func() error) error {
	return retry.Do(
		op,
		retry.Attempts(b.policy.Attempts),
		retry.Delay(b.policy.Delay),
		retry.MaxDelay(b.policy.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.DebugContext(ctx, "participant operation retry",
				"correlation_id", correlationID, "attempt", n+1, "error", err)
		}),
	)
}

// send delivers the reply. A send failure is returned so the command is
// redelivered; the local operation is idempotent.
func (b base) send(ctx context.Context, msg saga.Message, opErr error) error {
	if opErr != nil {
		b.logger.WarnContext(ctx, "participant operation failed",
			"correlation_id", msg.CorrelationID(), "reply", msg.MessageType(), "error", opErr)
	}
	if err := b.reply.Send(ctx, msg); err != nil {
		return fmt.Errorf("participants: send %s: %w", msg.MessageType(), err)
	}
	return nil
}

func unexpected(want saga.MessageType, msg saga.Message) error {
	return messaging.Permanent(fmt.Errorf("participants: expected %s, got %T", want, msg))
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IdentityCreator handles CreateIdentity.
type IdentityCreator struct {
	base
	svc IdentityService
}

// NewIdentityCreator creates the CreateIdentity participant.
func NewIdentityCreator(svc IdentityService, reply Replier, policy RetryPolicy, log logger.Logger) *IdentityCreator {
	return &IdentityCreator{base: newBase(reply, policy, log, "identity_creator"), svc: svc}
}

func (p *IdentityCreator) CommandType() saga.MessageType { return workflows.TypeCreateIdentity }

func (p *IdentityCreator) Handle(ctx context.Context, msg saga.Message) error {
	cmd, ok := msg.(workflows.CreateIdentity)
	if !ok {
		return unexpected(p.CommandType(), msg)
	}
	var identity Identity
	err := p.do(ctx, cmd.Correlation, func() error {
		var opErr error
		identity, opErr = p.svc.CreateIdentity(ctx, cmd.Correlation, cmd.Email, cmd.EncryptedPassword, cmd.Role)
		return opErr
	})
	return p.send(ctx, workflows.IdentityCreated{
		Correlation: cmd.Correlation,
		IdentityID:  identity.ID,
		Success:     err == nil,
		Error:       errorText(err),
	}, err)
}

// IdentityDeleter handles DeleteIdentity.
type IdentityDeleter struct {
	base
	svc IdentityService
}

// NewIdentityDeleter creates the DeleteIdentity participant.
func NewIdentityDeleter(svc IdentityService, reply Replier, policy RetryPolicy, log logger.Logger) *IdentityDeleter {
	return &IdentityDeleter{base: newBase(reply, policy, log, "identity_deleter"), svc: svc}
}

func (p *IdentityDeleter) CommandType() saga.MessageType { return workflows.TypeDeleteIdentity }

func (p *IdentityDeleter) Handle(ctx context.Context, msg saga.Message) error {
	cmd, ok := msg.(workflows.DeleteIdentity)
	if !ok {
		return unexpected(p.CommandType(), msg)
	}
	err := p.do(ctx, cmd.Correlation, func() error {
		return p.svc.DeleteIdentity(ctx, cmd.IdentityID)
	})
	return p.send(ctx, workflows.IdentityDeleted{
		Correlation: cmd.Correlation,
		IdentityID:  cmd.IdentityID,
		Success:     err == nil,
		Error:       errorText(err),
	}, err)
}

// RoleUpdater handles UpdateIdentityRole.
type RoleUpdater struct {
	base
	svc IdentityService
}

// NewRoleUpdater creates the UpdateIdentityRole participant.
func NewRoleUpdater(svc IdentityService, reply Replier, policy RetryPolicy, log logger.Logger) *RoleUpdater {
	return &RoleUpdater{base: newBase(reply, policy, log, "role_updater"), svc: svc}
}

func (p *RoleUpdater) CommandType() saga.MessageType { return workflows.TypeUpdateIdentityRole }

func (p *RoleUpdater) Handle(ctx context.Context, msg saga.Message) error {
	cmd, ok := msg.(workflows.UpdateIdentityRole)
	if !ok {
		return unexpected(p.CommandType(), msg)
	}
	err := p.do(ctx, cmd.Correlation, func() error {
		_, opErr := p.svc.UpdateRole(ctx, cmd.IdentityID, cmd.Role)
		return opErr
	})
	return p.send(ctx, workflows.IdentityRoleUpdated{
		Correlation: cmd.Correlation,
		IdentityID:  cmd.IdentityID,
		Role:        cmd.Role,
		Success:     err == nil,
		Error:       errorText(err),
	}, err)
}

// ProfileCreator handles CreateProfile.
type ProfileCreator struct {
	base
	svc ProfileService
}

// NewProfileCreator creates the CreateProfile participant.
func NewProfileCreator(svc ProfileService, reply Replier, policy RetryPolicy, log logger.Logger) *ProfileCreator {
	return &ProfileCreator{base: newBase(reply, policy, log, "profile_creator"), svc: svc}
}

func (p *ProfileCreator) CommandType() saga.MessageType { return workflows.TypeCreateProfile }

func (p *ProfileCreator) Handle(ctx context.Context, msg saga.Message) error {
	cmd, ok := msg.(workflows.CreateProfile)
	if !ok {
		return unexpected(p.CommandType(), msg)
	}
	var profile Profile
	err := p.do(ctx, cmd.Correlation, func() error {
		var opErr error
		profile, opErr = p.svc.CreateProfile(ctx, cmd.Correlation, Profile{
			IdentityID: cmd.IdentityID,
			Email:      cmd.Email,
			FirstName:  cmd.FirstName,
			LastName:   cmd.LastName,
		})
		return opErr
	})
	return p.send(ctx, workflows.ProfileCreated{
		Correlation: cmd.Correlation,
		ProfileID:   profile.ID,
		Success:     err == nil,
		Error:       errorText(err),
	}, err)
}

// ProfileLinker handles UpdateProfileIdentityLink.
type ProfileLinker struct {
	base
	svc ProfileService
}

// NewProfileLinker creates the UpdateProfileIdentityLink participant.
func NewProfileLinker(svc ProfileService, reply Replier, policy RetryPolicy, log logger.Logger) *ProfileLinker {
	return &ProfileLinker{base: newBase(reply, policy, log, "profile_linker"), svc: svc}
}

func (p *ProfileLinker) CommandType() saga.MessageType {
	return workflows.TypeUpdateProfileIdentityLink
}

func (p *ProfileLinker) Handle(ctx context.Context, msg saga.Message) error {
	cmd, ok := msg.(workflows.UpdateProfileIdentityLink)
	if !ok {
		return unexpected(p.CommandType(), msg)
	}
	err := p.do(ctx, cmd.Correlation, func() error {
		_, opErr := p.svc.LinkIdentity(ctx, cmd.ProfileID, cmd.IdentityID)
		return opErr
	})
	return p.send(ctx, workflows.ProfileUpdated{
		Correlation: cmd.Correlation,
		ProfileID:   cmd.ProfileID,
		Success:     err == nil,
		Error:       errorText(err),
	}, err)
}

// ProfileDeleter handles DeleteProfile.
type ProfileDeleter struct {
	base
	svc ProfileService
}

// NewProfileDeleter creates the DeleteProfile participant.
func NewProfileDeleter(svc ProfileService, reply Replier, policy RetryPolicy, log logger.Logger) *ProfileDeleter {
	return &ProfileDeleter{base: newBase(reply, policy, log, "profile_deleter"), svc: svc}
}

func (p *ProfileDeleter) CommandType() saga.MessageType { return workflows.TypeDeleteProfile }

func (p *ProfileDeleter) Handle(ctx context.Context, msg saga.Message) error {
	cmd, ok := msg.(workflows.DeleteProfile)
	if !ok {
		return unexpected(p.CommandType(), msg)
	}
	err := p.do(ctx, cmd.Correlation, func() error {
		return p.svc.DeleteProfile(ctx, cmd.ProfileID)
	})
	return p.send(ctx, workflows.ProfileDeleted{
		Correlation: cmd.Correlation,
		ProfileID:   cmd.ProfileID,
		Success:     err == nil,
		Error:       errorText(err),
	}, err)
}

// All returns every participant over the two services.
func All(identities IdentityService, profiles ProfileService, reply Replier, policy RetryPolicy, log logger.Logger) []Participant {
	return []Participant{
		NewIdentityCreator(identities, reply, policy, log),
		NewIdentityDeleter(identities, reply, policy, log),
		NewRoleUpdater(identities, reply, policy, log),
		NewProfileCreator(profiles, reply, policy, log),
		NewProfileLinker(profiles, reply, policy, log),
		NewProfileDeleter(profiles, reply, policy, log),
	}
}
