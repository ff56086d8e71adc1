package workflows

import (
	"fmt"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

// WorkflowAdminCreation is the admin user creation workflow name.
const WorkflowAdminCreation = "admin_user_creation"

// Admin user creation states.
const (
	AdminStarted         saga.State = "Started"
	AdminAuthUserCreated saga.State = "AuthUserCreated"
	AdminCompleted       saga.State = "Completed"
	AdminRollingBack     saga.State = "RollingBack"
	AdminRolledBack      saga.State = "RolledBack"
	AdminFailed          saga.State = "Failed"
)

const reasonMissingProfile = "no pre-created profile id for admin user creation"

// NewAdminCreation builds the admin user creation definition.
//
// The initiator pre-creates the profile and passes its id, either on the
// start event or by provisioning the instance. The saga creates the identity
// and links it to the profile; if the identity cannot be created the
// orphaned profile is deleted.
func NewAdminCreation() (*saga.Definition, error) {
	b := saga.Define(WorkflowAdminCreation).
		StartedBy(TypeAdminUserCreationStarted, FieldEmail).
		Final(AdminCompleted).
		Failed(AdminFailed).
		Rollback(AdminRollingBack, AdminRolledBack).
		Undo(EffectIdentity, func(inst *saga.Instance, effect saga.EffectRecord) saga.Message {
			return DeleteIdentity{
				Correlation: inst.CorrelationID,
				IdentityID:  effect.Ref,
				Reason:      inst.ErrorMessage,
			}
		}).
		OnEnter(AdminCompleted, func(inst *saga.Instance) saga.Message {
			return AdminUserCreated{
				Correlation: inst.CorrelationID,
				IdentityID:  inst.Field(FieldAuthUserID),
				ProfileID:   inst.Field(FieldUserProfileID),
			}
		}).
		OnEnter(AdminFailed, func(inst *saga.Instance) saga.Message {
			return AdminUserCreationFailed{Correlation: inst.CorrelationID, Reason: inst.ErrorMessage}
		}).
		OnEnter(AdminRolledBack, func(inst *saga.Instance) saga.Message {
			return AdminUserCreationFailed{Correlation: inst.CorrelationID, Reason: inst.ErrorMessage, RolledBack: true}
		})

	b.During(saga.StateInitial,
		saga.When(TypeAdminUserCreationStarted).Named("profile missing").If(profileUnknown).
			Then(func(tx *saga.Transition, msg saga.Message) error {
				if err := startAdminCreation(tx, msg); err != nil {
					return err
				}
				tx.AppendError(reasonMissingProfile)
				return nil
			}).TransitionTo(AdminFailed),
		saga.When(TypeAdminUserCreationStarted).Named("start").
			Then(func(tx *saga.Transition, msg saga.Message) error {
				if err := startAdminCreation(tx, msg); err != nil {
					return err
				}
				tx.Send(CreateIdentity{
					Correlation:       msg.CorrelationID(),
					Email:             tx.Field(FieldEmail),
					EncryptedPassword: tx.Field(FieldEncryptedPassword),
					Role:              tx.Field(FieldRole),
				})
				return nil
			}).TransitionTo(AdminStarted),
	)

	b.During(AdminStarted,
		saga.When(TypeAdminUserCreationStarted).Named("duplicate start").Ignore(),
		saga.When(TypeIdentityCreated).Named("identity created").If(identityCreatedOK).
			Then(func(tx *saga.Transition, msg saga.Message) error {
				reply := msg.(IdentityCreated)
				if err := tx.Set(FieldAuthUserID, reply.IdentityID); err != nil {
					return err
				}
				tx.RecordEffect(EffectIdentity, reply.IdentityID)
				tx.Send(UpdateProfileIdentityLink{
					Correlation: reply.Correlation,
					ProfileID:   tx.Field(FieldUserProfileID),
					IdentityID:  reply.IdentityID,
				})
				return nil
			}).TransitionTo(AdminAuthUserCreated),
		saga.When(TypeIdentityCreated).Named("identity failed").
			Then(func(tx *saga.Transition, msg saga.Message) error {
				reason := failureReason("identity creation", replyError(msg))
				tx.AppendError(reason)
				tx.Send(DeleteProfile{
					Correlation: msg.CorrelationID(),
					ProfileID:   tx.Field(FieldUserProfileID),
					Reason:      reason,
				})
				return nil
			}).TransitionTo(AdminFailed),
	)

	b.During(AdminAuthUserCreated,
		saga.When(TypeAdminUserCreationStarted).Named("stale start").Ignore(),
		saga.When(TypeIdentityCreated).Named("stale identity created").Ignore(),
		saga.When(TypeProfileUpdated).Named("profile linked").If(profileUpdatedOK).Finalize(),
		saga.When(TypeProfileUpdated).Named("profile link failed").
			Then(func(tx *saga.Transition, msg saga.Message) error {
				tx.AppendError(failureReason("profile link", replyError(msg)))
				return nil
			}).Compensate(),
	)

	b.During(AdminRollingBack, append([]*saga.RuleBuilder{
		saga.When(TypeAdminUserCreationStarted).Named("stale start").Ignore(),
		saga.When(TypeIdentityCreated).Named("stale identity created").Ignore(),
		saga.When(TypeProfileUpdated).Named("stale profile updated").Ignore(),
	}, compensationReplies(AdminRolledBack, AdminFailed)...)...)

	def, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("workflows: admin creation: %w", err)
	}
	return def, nil
}

func startAdminCreation(tx *saga.Transition, msg saga.Message) error {
	start := msg.(AdminUserCreationStarted)
	role := start.Role
	if role == "" {
		role = RoleAdmin
	}
	for key, value := range map[string]string{
		FieldEmail:             start.Email,
		FieldEncryptedPassword: start.EncryptedPassword,
		FieldRole:              role,
		FieldUserProfileID:     start.ProfileID,
	} {
		// An omitted value keeps whatever provisioning stored.
		if value == "" {
			continue
		}
		if err := tx.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// profileUnknown is true when neither provisioning nor the start event
// supplies the pre-created profile.
func profileUnknown(inst *saga.Instance, msg saga.Message) bool {
	start, ok := msg.(AdminUserCreationStarted)
	return inst.Field(FieldUserProfileID) == "" && (!ok || start.ProfileID == "")
}

func profileUpdatedOK(_ *saga.Instance, msg saga.Message) bool {
	m, ok := msg.(ProfileUpdated)
	return ok && m.Success
}
