// Package workflows defines the registration and admin user creation sagas
// and the messages they exchange with the identity and profile services.
package workflows

import (
	"errors"

	"github.com/sagaflow/sagaflow/pkg/messaging"
	"github.com/sagaflow/sagaflow/pkg/saga"
)

// Message types.
const (
	TypeCreateIdentity            saga.MessageType = "CreateIdentity"
	TypeIdentityCreated           saga.MessageType = "IdentityCreated"
	TypeDeleteIdentity            saga.MessageType = "DeleteIdentity"
	TypeIdentityDeleted           saga.MessageType = "IdentityDeleted"
	TypeUpdateIdentityRole        saga.MessageType = "UpdateIdentityRole"
	TypeIdentityRoleUpdated       saga.MessageType = "IdentityRoleUpdated"
	TypeCreateProfile             saga.MessageType = "CreateProfile"
	TypeProfileCreated            saga.MessageType = "ProfileCreated"
	TypeUpdateProfileIdentityLink saga.MessageType = "UpdateProfileIdentityLink"
	TypeProfileUpdated            saga.MessageType = "ProfileUpdated"
	TypeDeleteProfile             saga.MessageType = "DeleteProfile"
	TypeProfileDeleted            saga.MessageType = "ProfileDeleted"

	TypeRegistrationStarted      saga.MessageType = "RegistrationStarted"
	TypeOtpSent                  saga.MessageType = "OtpSent"
	TypeOtpVerified              saga.MessageType = "OtpVerified"
	TypeOtpExpired               saga.MessageType = "OtpExpired"
	TypeAdminUserCreationStarted saga.MessageType = "AdminUserCreationStarted"

	TypeRegistrationCompleted   saga.MessageType = "RegistrationCompleted"
	TypeRegistrationFailed      saga.MessageType = "RegistrationFailed"
	TypeAdminUserCreated        saga.MessageType = "AdminUserCreated"
	TypeAdminUserCreationFailed saga.MessageType = "AdminUserCreationFailed"
)

// Instance field keys.
const (
	FieldEmail             = "email"
	FieldEncryptedPassword = "encrypted_password"
	FieldFirstName         = "first_name"
	FieldLastName          = "last_name"
	FieldRole              = "role"
	FieldAuthUserID        = "auth_user_id"
	FieldUserProfileID     = "user_profile_id"
)

// Roles understood by the identity service.
const (
	RoleUser  = "User"
	RoleAdmin = "Admin"
)

// EffectIdentity names the identity record created by a forward step.
const EffectIdentity = "identity"

// Commands. Every message below implements saga.Message through its
// MessageType and CorrelationID methods.

// CreateIdentity asks the identity service to create a login identity.
type CreateIdentity struct {
	Correlation       string `json:"correlation_id"`
	Email             string `json:"email"`
	EncryptedPassword string `json:"encrypted_password"`
	Role              string `json:"role"`
}

func (CreateIdentity) MessageType() saga.MessageType { return TypeCreateIdentity }
func (m CreateIdentity) CorrelationID() string { return m.Correlation }

// DeleteIdentity compensates a created identity.
type DeleteIdentity struct {
	Correlation string `json:"correlation_id"`
	IdentityID  string `json:"identity_id"`
	Reason      string `json:"reason,omitempty"`
}

func (DeleteIdentity) MessageType() saga.MessageType { return TypeDeleteIdentity }
func (m DeleteIdentity) CorrelationID() string { return m.Correlation }

// UpdateIdentityRole grants the default role to a new identity.
type UpdateIdentityRole struct {
	Correlation string `json:"correlation_id"`
	IdentityID  string `json:"identity_id"`
	Role        string `json:"role"`
}

func (UpdateIdentityRole) MessageType() saga.MessageType { return TypeUpdateIdentityRole }
func (m UpdateIdentityRole) CorrelationID() string { return m.Correlation }

// CreateProfile asks the profile service to create a user profile.
type CreateProfile struct {
	Correlation string `json:"correlation_id"`
	IdentityID  string `json:"identity_id"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
}

func (CreateProfile) MessageType() saga.MessageType { return TypeCreateProfile }
func (m CreateProfile) CorrelationID() string { return m.Correlation }

// UpdateProfileIdentityLink links a pre-created profile to an identity.
type UpdateProfileIdentityLink struct {
	Correlation string `json:"correlation_id"`
	ProfileID   string `json:"profile_id"`
	IdentityID  string `json:"identity_id"`
}

func (UpdateProfileIdentityLink) MessageType() saga.MessageType {
	return TypeUpdateProfileIdentityLink
}
func (m UpdateProfileIdentityLink) CorrelationID() string { return m.Correlation }

// DeleteProfile removes a profile that no identity will ever own.
type DeleteProfile struct {
	Correlation string `json:"correlation_id"`
	ProfileID   string `json:"profile_id"`
	Reason      string `json:"reason,omitempty"`
}

func (DeleteProfile) MessageType() saga.MessageType { return TypeDeleteProfile }
func (m DeleteProfile) CorrelationID() string { return m.Correlation }

// Replies. Success=false carries the participant's reason in Error.

// IdentityCreated replies to CreateIdentity.
type IdentityCreated struct {
	Correlation string `json:"correlation_id"`
	IdentityID  string `json:"identity_id,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

func (IdentityCreated) MessageType() saga.MessageType { return TypeIdentityCreated }
func (m IdentityCreated) CorrelationID() string { return m.Correlation }

// IdentityDeleted replies to DeleteIdentity.
type IdentityDeleted struct {
	Correlation string `json:"correlation_id"`
	IdentityID  string `json:"identity_id,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

func (IdentityDeleted) MessageType() saga.MessageType { return TypeIdentityDeleted }
func (m IdentityDeleted) CorrelationID() string { return m.Correlation }

// IdentityRoleUpdated replies to UpdateIdentityRole.
type IdentityRoleUpdated struct {
	Correlation string `json:"correlation_id"`
	IdentityID  string `json:"identity_id,omitempty"`
	Role        string `json:"role,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

func (IdentityRoleUpdated) MessageType() saga.MessageType { return TypeIdentityRoleUpdated }
func (m IdentityRoleUpdated) CorrelationID() string { return m.Correlation }

// ProfileCreated replies to CreateProfile.
type ProfileCreated struct {
	Correlation string `json:"correlation_id"`
	ProfileID   string `json:"profile_id,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

func (ProfileCreated) MessageType() saga.MessageType { return TypeProfileCreated }
func (m ProfileCreated) CorrelationID() string { return m.Correlation }

// ProfileUpdated replies to UpdateProfileIdentityLink.
type ProfileUpdated struct {
	Correlation string `json:"correlation_id"`
	ProfileID   string `json:"profile_id,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

func (ProfileUpdated) MessageType() saga.MessageType { return TypeProfileUpdated }
func (m ProfileUpdated) CorrelationID() string { return m.Correlation }

// ProfileDeleted replies to DeleteProfile.
type ProfileDeleted struct {
	Correlation string `json:"correlation_id"`
	ProfileID   string `json:"profile_id,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

func (ProfileDeleted) MessageType() saga.MessageType { return TypeProfileDeleted }
func (m ProfileDeleted) CorrelationID() string { return m.Correlation }

// Start and progress events published by initiators.

// RegistrationStarted starts a registration. EncryptedPassword is a bcrypt
// hash; the plain password never enters the saga store.
type RegistrationStarted struct {
	Correlation       string `json:"correlation_id"`
	Email             string `json:"email"`
	EncryptedPassword string `json:"encrypted_password"`
	FirstName         string `json:"first_name,omitempty"`
	LastName          string `json:"last_name,omitempty"`
}

func (RegistrationStarted) MessageType() saga.MessageType { return TypeRegistrationStarted }
func (m RegistrationStarted) CorrelationID() string { return m.Correlation }

// OtpSent reports that the one-time password went out.
type OtpSent struct {
	Correlation string `json:"correlation_id"`
}

func (OtpSent) MessageType() saga.MessageType { return TypeOtpSent }
func (m OtpSent) CorrelationID() string { return m.Correlation }

// OtpVerified reports that the user confirmed the one-time password.
type OtpVerified struct {
	Correlation string `json:"correlation_id"`
}

func (OtpVerified) MessageType() saga.MessageType { return TypeOtpVerified }
func (m OtpVerified) CorrelationID() string { return m.Correlation }

// OtpExpired is scheduled by the engine when OTP expiry is enabled.
type OtpExpired struct {
	Correlation string `json:"correlation_id"`
}

func (OtpExpired) MessageType() saga.MessageType { return TypeOtpExpired }
func (m OtpExpired) CorrelationID() string { return m.Correlation }

// AdminUserCreationStarted starts an admin user creation. ProfileID may be
// omitted when the initiator provisioned the instance with it.
type AdminUserCreationStarted struct {
	Correlation       string `json:"correlation_id"`
	Email             string `json:"email"`
	EncryptedPassword string `json:"encrypted_password"`
	Role              string `json:"role,omitempty"`
	ProfileID         string `json:"profile_id,omitempty"`
}

func (AdminUserCreationStarted) MessageType() saga.MessageType {
	return TypeAdminUserCreationStarted
}
func (m AdminUserCreationStarted) CorrelationID() string { return m.Correlation }

// Outcome events for initiators.

// RegistrationCompleted reports a finished registration.
type RegistrationCompleted struct {
	Correlation string `json:"correlation_id"`
	IdentityID  string `json:"identity_id"`
	ProfileID   string `json:"profile_id"`
}

func (RegistrationCompleted) MessageType() saga.MessageType { return TypeRegistrationCompleted }
func (m RegistrationCompleted) CorrelationID() string { return m.Correlation }

// RegistrationFailed reports a registration that ended in Failed or RolledBack.
type RegistrationFailed struct {
	Correlation string `json:"correlation_id"`
	Reason      string `json:"reason"`
	// RolledBack is set when every external effect was undone.
	RolledBack bool `json:"rolled_back"`
}

func (RegistrationFailed) MessageType() saga.MessageType { return TypeRegistrationFailed }
func (m RegistrationFailed) CorrelationID() string { return m.Correlation }

// AdminUserCreated reports a finished admin user creation.
type AdminUserCreated struct {
	Correlation string `json:"correlation_id"`
	IdentityID  string `json:"identity_id"`
	ProfileID   string `json:"profile_id"`
}

func (AdminUserCreated) MessageType() saga.MessageType { return TypeAdminUserCreated }
func (m AdminUserCreated) CorrelationID() string { return m.Correlation }

// AdminUserCreationFailed reports an admin user creation that did not complete.
type AdminUserCreationFailed struct {
	Correlation string `json:"correlation_id"`
	Reason      string `json:"reason"`
	RolledBack  bool   `json:"rolled_back"`
}

func (AdminUserCreationFailed) MessageType() saga.MessageType {
	return TypeAdminUserCreationFailed
}
func (m AdminUserCreationFailed) CorrelationID() string { return m.Correlation }

// Catalog registers every workflow message with codec.
func Catalog(codec *messaging.Codec) error {
	return errors.Join(
		messaging.Register[CreateIdentity](codec, messaging.KindCommand),
		messaging.Register[DeleteIdentity](codec, messaging.KindCommand),
		messaging.Register[UpdateIdentityRole](codec, messaging.KindCommand),
		messaging.Register[CreateProfile](codec, messaging.KindCommand),
		messaging.Register[UpdateProfileIdentityLink](codec, messaging.KindCommand),
		messaging.Register[DeleteProfile](codec, messaging.KindCommand),

		messaging.Register[IdentityCreated](codec, messaging.KindEvent),
		messaging.Register[IdentityDeleted](codec, messaging.KindEvent),
		messaging.Register[IdentityRoleUpdated](codec, messaging.KindEvent),
		messaging.Register[ProfileCreated](codec, messaging.KindEvent),
		messaging.Register[ProfileUpdated](codec, messaging.KindEvent),
		messaging.Register[ProfileDeleted](codec, messaging.KindEvent),

		messaging.Register[RegistrationStarted](codec, messaging.KindEvent),
		messaging.Register[OtpSent](codec, messaging.KindEvent),
		messaging.Register[OtpVerified](codec, messaging.KindEvent),
		messaging.Register[OtpExpired](codec, messaging.KindEvent),
		messaging.Register[AdminUserCreationStarted](codec, messaging.KindEvent),

		messaging.Register[RegistrationCompleted](codec, messaging.KindEvent),
		messaging.Register[RegistrationFailed](codec, messaging.KindEvent),
		messaging.Register[AdminUserCreated](codec, messaging.KindEvent),
		messaging.Register[AdminUserCreationFailed](codec, messaging.KindEvent),
	)
}

// NewCodec returns a codec with the full catalog registered.
func NewCodec(prefix string) (*messaging.Codec, error) {
	codec := messaging.NewCodec(prefix)
	if err := Catalog(codec); err != nil {
		return nil, err
	}
	return codec, nil
}

// Guards shared by both workflows.

func identityCreatedOK(_ *saga.Instance, msg saga.Message) bool {
	m, ok := msg.(IdentityCreated)
	return ok && m.Success && m.IdentityID != ""
}

func identityDeletedOK(_ *saga.Instance, msg saga.Message) bool {
	m, ok := msg.(IdentityDeleted)
	return ok && m.Success
}

func failureReason(step, reported string) string {
	if reported == "" {
		reported = "no reason given"
	}
	return step + " failed: " + reported
}
