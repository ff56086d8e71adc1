// Package participants hosts the identity and profile services that react to
// saga commands. Each participant handles one command type and always answers
// with a correlated reply.
package participants

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNotFound is returned for an unknown identity or profile.
	ErrNotFound = errors.New("participants: not found")
	// ErrConflict is returned when the request contradicts existing state.
	ErrConflict = errors.New("participants: conflict")
	// ErrUnavailable marks a transient failure worth retrying.
	ErrUnavailable = errors.New("participants: service unavailable")
)

// Identity is an authentication record.
type Identity struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Profile is the user-facing record linked to an identity.
type Profile struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id,omitempty"`
	Email      string    `json:"email"`
	FirstName  string    `json:"first_name,omitempty"`
	LastName   string    `json:"last_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IdentityService owns identities. requestKey makes creation idempotent:
// a repeated create with the same key returns the first result.
type IdentityService interface {
	CreateIdentity(ctx context.Context, requestKey, email, credential, role string) (Identity, error)
	DeleteIdentity(ctx context.Context, id string) error
	UpdateRole(ctx context.Context, id, role string) (Identity, error)
}

// ProfileService owns profiles.
type ProfileService interface {
	CreateProfile(ctx context.Context, requestKey string, p Profile) (Profile, error)
	LinkIdentity(ctx context.Context, profileID, identityID string) (Profile, error)
	DeleteProfile(ctx context.Context, id string) error
}

// Operation names for fault injection.
const (
	OpCreateIdentity = "create_identity"
	OpDeleteIdentity = "delete_identity"
	OpUpdateRole     = "update_role"
	OpCreateProfile  = "create_profile"
	OpLinkIdentity   = "link_identity"
	OpDeleteProfile  = "delete_profile"
)

// faults queues errors returned by the next calls of an operation.
type faults struct {
	mu      sync.Mutex
	pending map[string][]error
}

// InjectFault makes the next times calls of op fail with err.
func (f *faults) InjectFault(op string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		f.pending = make(map[string][]error)
	}
	for i := 0; i < times; i++ {
		f.pending[op] = append(f.pending[op], err)
	}
}

func (f *faults) next(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.pending[op]
	if len(queue) == 0 {
		return nil
	}
	f.pending[op] = queue[1:]
	return queue[0]
}

// HashPassword hashes a plain password with bcrypt at the default cost.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("participants: hash password: %w", err)
	}
	return string(hash), nil
}

func isBcryptHash(credential string) bool {
	_, err := bcrypt.Cost([]byte(credential))
	return err == nil
}

// MemoryIdentityService is an in-memory IdentityService.
type MemoryIdentityService struct {
	faults

	mu      sync.RWMutex
	byID    map[string]*Identity
	byEmail map[string]string
	byKey   map[string]string
	cost    int
	now     func() time.Time
}

var _ IdentityService = (*MemoryIdentityService)(nil)

// NewMemoryIdentityService creates an empty identity service.
func NewMemoryIdentityService() *MemoryIdentityService {
	return &MemoryIdentityService{
		byID:    make(map[string]*Identity),
		byEmail: make(map[string]string),
		byKey:   make(map[string]string),
		cost:    bcrypt.DefaultCost,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateIdentity stores a new identity. Credentials that are already bcrypt
// hashes are stored as given; anything else is hashed first.
func (s *MemoryIdentityService) CreateIdentity(ctx context.Context, requestKey, email, credential, role string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	if err := s.next(OpCreateIdentity); err != nil {
		return Identity{}, err
	}
	if email == "" {
		return Identity{}, fmt.Errorf("%w: email is required", ErrConflict)
	}
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: credential is required", ErrConflict)
	}

	hash := credential
	if !isBcryptHash(credential) {
		raw, err := bcrypt.GenerateFromPassword([]byte(credential), s.cost)
		if err != nil {
			return Identity{}, fmt.Errorf("participants: hash password: %w", err)
		}
		hash = string(raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[requestKey]; ok && requestKey != "" {
		if existing, ok := s.byID[id]; ok {
			return *existing, nil
		}
	}
	if _, taken := s.byEmail[email]; taken {
		return Identity{}, fmt.Errorf("%w: email %s already registered", ErrConflict, email)
	}

	identity := &Identity{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    s.now(),
	}
	s.byID[identity.ID] = identity
	s.byEmail[email] = identity.ID
	if requestKey != "" {
		s.byKey[requestKey] = identity.ID
	}
	return *identity, nil
}

// DeleteIdentity removes an identity. Deleting a missing identity succeeds.
func (s *MemoryIdentityService) DeleteIdentity(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.next(OpDeleteIdentity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	delete(s.byEmail, identity.Email)
	for key, ref := range s.byKey {
		if ref == id {
			delete(s.byKey, key)
		}
	}
	return nil
}

// UpdateRole sets the role of an identity.
func (s *MemoryIdentityService) UpdateRole(ctx context.Context, id, role string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	if err := s.next(OpUpdateRole); err != nil {
		return Identity{}, err
	}
	if role == "" {
		return Identity{}, fmt.Errorf("%w: role is required", ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return Identity{}, fmt.Errorf("%w: identity %s", ErrNotFound, id)
	}
	identity.Role = role
	return *identity, nil
}

// Get returns an identity by id.
func (s *MemoryIdentityService) Get(id string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.byID[id]
	if !ok {
		return Identity{}, false
	}
	return *identity, true
}

// Authenticate checks a plain password against the stored hash.
func (s *MemoryIdentityService) Authenticate(email, password string) (Identity, bool) {
	s.mu.RLock()
	id, ok := s.byEmail[email]
	var identity Identity
	if ok {
		identity = *s.byID[id]
	}
	s.mu.RUnlock()
	if !ok {
		return Identity{}, false
	}
	if bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(password)) != nil {
		return Identity{}, false
	}
	return identity, true
}

// Len returns the number of identities.
func (s *MemoryIdentityService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// MemoryProfileService is an in-memory ProfileService.
type MemoryProfileService struct {
	faults

	mu    sync.RWMutex
	byID  map[string]*Profile
	byKey map[string]string
	now   func() time.Time
}

var _ ProfileService = (*MemoryProfileService)(nil)

// NewMemoryProfileService creates an empty profile service.
func NewMemoryProfileService() *MemoryProfileService {
	return &MemoryProfileService{
		byID:  make(map[string]*Profile),
		byKey: make(map[string]string),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateProfile stores a profile. A repeated request key returns the
// profile created the first time.
func (s *MemoryProfileService) CreateProfile(ctx context.Context, requestKey string, p Profile) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	if err := s.next(OpCreateProfile); err != nil {
		return Profile{}, err
	}
	if p.Email == "" {
		return Profile{}, fmt.Errorf("%w: email is required", ErrConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[requestKey]; ok && requestKey != "" {
		if existing, ok := s.byID[id]; ok {
			return *existing, nil
		}
	}
	profile := p
	profile.ID = uuid.NewString()
	profile.CreatedAt = s.now()
	s.byID[profile.ID] = &profile
	if requestKey != "" {
		s.byKey[requestKey] = profile.ID
	}
	return profile, nil
}

// LinkIdentity attaches an identity to a profile. Relinking the same
// identity succeeds; a profile linked to another identity is a conflict.
func (s *MemoryProfileService) LinkIdentity(ctx context.Context, profileID, identityID string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	if err := s.next(OpLinkIdentity); err != nil {
		return Profile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.byID[profileID]
	if !ok {
		return Profile{}, fmt.Errorf("%w: profile %s", ErrNotFound, profileID)
	}
	if profile.IdentityID != "" && profile.IdentityID != identityID {
		return Profile{}, fmt.Errorf("%w: profile %s already linked to %s", ErrConflict, profileID, profile.IdentityID)
	}
	profile.IdentityID = identityID
	return *profile, nil
}

// DeleteProfile removes a profile. Deleting a missing profile succeeds.
func (s *MemoryProfileService) DeleteProfile(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.next(OpDeleteProfile); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	for key, ref := range s.byKey {
		if ref == id {
			delete(s.byKey, key)
		}
	}
	return nil
}

// Get returns a profile by id.
func (s *MemoryProfileService) Get(id string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.byID[id]
	if !ok {
		return Profile{}, false
	}
	return *profile, true
}

// Len returns the number of profiles.
func (s *MemoryProfileService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
