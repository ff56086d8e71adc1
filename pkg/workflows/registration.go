package workflows

import (
	"fmt"
	"time"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

// WorkflowRegistration is the registration workflow name.
const WorkflowRegistration = "registration"

// Registration states.
const (
	RegStarted         saga.State = "Started"
	RegOtpSent         saga.State = "OtpSent"
	RegOtpVerified     saga.State = "OtpVerified"
	RegAuthUserCreated saga.State = "AuthUserCreated"
	RegCompleted       saga.State = "Completed"
	RegRollingBack     saga.State = "RollingBack"
	RegRolledBack      saga.State = "RolledBack"
	RegFailed          saga.State = "Failed"
)

const reasonMissingEmail = "corrupted instance: email missing at otp verification"

// NewRegistration builds the registration definition.
//
// A user signs up, confirms an OTP, then the saga creates the identity and
// the profile. Losing the profile deletes the identity again.
func NewRegistration() (*saga.Definition, error) {
	ignored := func(types ...saga.MessageType) []*saga.RuleBuilder {
		rules := make([]*saga.RuleBuilder, 0, len(types))
		for _, t := range types {
			rules = append(rules, saga.When(t).Named("stale "+string(t)).Ignore())
		}
		return rules
	}
	verify := func() []*saga.RuleBuilder {
		return []*saga.RuleBuilder{
			saga.When(TypeOtpVerified).Named("email missing").If(missingEmail).
				Then(func(tx *saga.Transition, _ saga.Message) error {
					tx.AppendError(reasonMissingEmail)
					return nil
				}).TransitionTo(RegFailed),
			saga.When(TypeOtpVerified).Named("otp verified").
				Then(func(tx *saga.Transition, msg saga.Message) error {
					tx.Send(CreateIdentity{
						Correlation:       msg.CorrelationID(),
						Email:             tx.Field(FieldEmail),
						EncryptedPassword: tx.Field(FieldEncryptedPassword),
						Role:              RoleUser,
					})
					return nil
				}).TransitionTo(RegOtpVerified),
		}
	}

	b := saga.Define(WorkflowRegistration).
		StartedBy(TypeRegistrationStarted, FieldEmail).
		Final(RegCompleted).
		Failed(RegFailed).
		Rollback(RegRollingBack, RegRolledBack).
		Undo(EffectIdentity, func(inst *saga.Instance, effect saga.EffectRecord) saga.Message {
			return DeleteIdentity{
				Correlation: inst.CorrelationID,
				IdentityID:  effect.Ref,
				Reason:      inst.ErrorMessage,
			}
		}).
		OnEnter(RegCompleted, func(inst *saga.Instance) saga.Message {
			return RegistrationCompleted{
				Correlation: inst.CorrelationID,
				IdentityID:  inst.Field(FieldAuthUserID),
				ProfileID:   inst.Field(FieldUserProfileID),
			}
		}).
		OnEnter(RegFailed, func(inst *saga.Instance) saga.Message {
			return RegistrationFailed{Correlation: inst.CorrelationID, Reason: inst.ErrorMessage}
		}).
		OnEnter(RegRolledBack, func(inst *saga.Instance) saga.Message {
			return RegistrationFailed{Correlation: inst.CorrelationID, Reason: inst.ErrorMessage, RolledBack: true}
		})

	b.During(saga.StateInitial,
		saga.When(TypeRegistrationStarted).Named("start").Then(startRegistration).TransitionTo(RegStarted),
	)

	b.During(RegStarted, append(append(
		ignored(TypeRegistrationStarted),
		saga.When(TypeOtpSent).Named("otp sent").TransitionTo(RegOtpSent)),
		verify()...)...,
	)

	b.During(RegOtpSent, append(append(
		ignored(TypeRegistrationStarted, TypeOtpSent),
		saga.When(TypeOtpExpired).Named("otp expired").
			Then(func(tx *saga.Transition, _ saga.Message) error {
				tx.AppendError("otp expired before verification")
				return nil
			}).TransitionTo(RegFailed)),
		verify()...)...,
	)

	b.During(RegOtpVerified, append(
		ignored(TypeRegistrationStarted, TypeOtpSent, TypeOtpVerified, TypeOtpExpired),
		saga.When(TypeIdentityCreated).Named("identity created").If(identityCreatedOK).
			Then(func(tx *saga.Transition, msg saga.Message) error {
				reply := msg.(IdentityCreated)
				if err := tx.Set(FieldAuthUserID, reply.IdentityID); err != nil {
					return err
				}
				tx.RecordEffect(EffectIdentity, reply.IdentityID)
				tx.Send(CreateProfile{
					Correlation: reply.Correlation,
					IdentityID:  reply.IdentityID,
					Email:       tx.Field(FieldEmail),
					FirstName:   tx.Field(FieldFirstName),
					LastName:    tx.Field(FieldLastName),
				})
				return nil
			}).TransitionTo(RegAuthUserCreated),
		saga.When(TypeIdentityCreated).Named("identity failed").
			Then(func(tx *saga.Transition, msg saga.Message) error {
				tx.AppendError(failureReason("identity creation", replyError(msg)))
				return nil
			}).TransitionTo(RegFailed),
	)...)

	b.During(RegAuthUserCreated, append(
		ignored(TypeRegistrationStarted, TypeOtpSent, TypeOtpVerified, TypeOtpExpired, TypeIdentityCreated),
		saga.When(TypeProfileCreated).Named("profile created").If(profileCreatedOK).
			Then(func(tx *saga.Transition, msg saga.Message) error {
				return tx.Set(FieldUserProfileID, msg.(ProfileCreated).ProfileID)
			}).Finalize(),
		saga.When(TypeProfileCreated).Named("profile failed").
			Then(func(tx *saga.Transition, msg saga.Message) error {
				tx.AppendError(failureReason("profile creation", replyError(msg)))
				return nil
			}).Compensate(),
	)...)

	b.During(RegRollingBack, append(
		ignored(TypeRegistrationStarted, TypeOtpSent, TypeOtpVerified, TypeOtpExpired, TypeIdentityCreated, TypeProfileCreated),
		compensationReplies(RegRolledBack, RegFailed)...,
	)...)

	def, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("workflows: registration: %w", err)
	}
	return def, nil
}

func startRegistration(tx *saga.Transition, msg saga.Message) error {
	start := msg.(RegistrationStarted)
	for key, value := range map[string]string{
		FieldEmail:             start.Email,
		FieldEncryptedPassword: start.EncryptedPassword,
		FieldFirstName:         start.FirstName,
		FieldLastName:          start.LastName,
	} {
		if value == "" {
			continue
		}
		if err := tx.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

func missingEmail(inst *saga.Instance, _ saga.Message) bool {
	return inst.Field(FieldEmail) == ""
}

func profileCreatedOK(_ *saga.Instance, msg saga.Message) bool {
	m, ok := msg.(ProfileCreated)
	return ok && m.Success && m.ProfileID != ""
}

// compensationReplies handles the DeleteIdentity reply on the rollback path.
func compensationReplies(rolledBack, failed saga.State) []*saga.RuleBuilder {
	return []*saga.RuleBuilder{
		saga.When(TypeIdentityDeleted).Named("identity deleted").If(identityDeletedOK).
			Then(func(tx *saga.Transition, _ saga.Message) error {
				tx.CompensationSucceeded()
				return nil
			}).TransitionTo(rolledBack),
		saga.When(TypeIdentityDeleted).Named("identity delete failed").
			Then(func(tx *saga.Transition, msg saga.Message) error {
				tx.CompensationFailed(failureReason("identity deletion", replyError(msg)))
				return nil
			}).TransitionTo(failed),
	}
}

func replyError(msg saga.Message) string {
	switch m := msg.(type) {
	case IdentityCreated:
		if m.Success {
			return "identity id missing from reply"
		}
		return m.Error
	case IdentityDeleted:
		return m.Error
	case ProfileCreated:
		if m.Success {
			return "profile id missing from reply"
		}
		return m.Error
	case ProfileUpdated:
		return m.Error
	}
	return ""
}

// NewOtpExpiryListener schedules OtpExpired once an instance waits in
// OtpSent for longer than after.
func NewOtpExpiryListener(scheduler *saga.Scheduler, after time.Duration) *saga.ExpiryListener {
	return saga.NewExpiryListener(scheduler, RegOtpSent, after, func(inst *saga.Instance) saga.Message {
		return OtpExpired{Correlation: inst.CorrelationID}
	})
}
