package webauthn

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"main/domain/entity"
	"main/internal/config"
	"main/pkg/customerrors"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

const ceremonyTTL = 5 * time.Minute

var ErrCeremonyNotFound = errors.New("webauthn ceremony not found or expired")

type CredentialStore interface {
	ForUser(ctx context.Context, userID uuid.UUID) ([]entity.WebAuthnCredential, error)
	Create(ctx context.Context, cred *entity.WebAuthnCredential) error
	GetByCredentialID(ctx context.Context, credentialID []byte) (*entity.WebAuthnCredential, error)
	UpdateSignCount(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error
	Delete(ctx context.Context, userID uuid.UUID, credentialID []byte) error
}

// CeremonyStore holds in-flight challenge state between the begin and finish
// phases. Take removes the entry, so a challenge can be consumed only once.
type CeremonyStore interface {
	Put(ctx context.Context, key string, data *webauthn.SessionData, ttl time.Duration) error
	Take(ctx context.Context, key string) (*webauthn.SessionData, error)
}

type Service struct {
	web        *webauthn.WebAuthn
	creds      CredentialStore
	ceremonies CeremonyStore
	logger     *slog.Logger
}

func NewService(cfg config.WebAuthnConfig, creds CredentialStore, ceremonies CeremonyStore, logger *slog.Logger) (*Service, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, err
	}
	return &Service{web: web, creds: creds, ceremonies: ceremonies, logger: logger}, nil
}

// waUser adapts an entity.User plus their stored credentials to the shape
// the ceremony library expects.
type waUser struct {
	user  *entity.User
	creds []entity.WebAuthnCredential
}

func (u *waUser) WebAuthnID() []byte          { return u.user.ID[:] }
func (u *waUser) WebAuthnName() string        { return u.user.Username }
func (u *waUser) WebAuthnDisplayName() string { return u.user.Username }

func (u *waUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(u.creds))
	for _, c := range u.creds {
		out = append(out, toLibraryCredential(c))
	}
	return out
}

func toLibraryCredential(c entity.WebAuthnCredential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              c.CredentialID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: c.SignCount,
		},
	}
}

func (s *Service) loadUser(ctx context.Context, user *entity.User) (*waUser, error) {
	creds, err := s.creds.ForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &waUser{user: user, creds: creds}, nil
}

// BeginRegistration opens a registration ceremony. Existing credential ids
// are excluded so an authenticator cannot be registered twice.
func (s *Service) BeginRegistration(ctx context.Context, user *entity.User) (*protocol.CredentialCreation, error) {
	wu, err := s.loadUser(ctx, user)
	if err != nil {
		return nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(wu.creds))
	for _, c := range wu.creds {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.CredentialID,
		})
	}

	options, sessionData, err := s.web.BeginRegistration(wu, webauthn.WithExclusions(exclusions))
	if err != nil {
		return nil, err
	}
	if err := s.ceremonies.Put(ctx, registrationKey(user.ID), sessionData, ceremonyTTL); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishRegistration verifies the attestation against the stored challenge
// and persists the new credential.
func (s *Service) FinishRegistration(ctx context.Context, user *entity.User, r *http.Request) (*entity.WebAuthnCredential, error) {
	sessionData, err := s.ceremonies.Take(ctx, registrationKey(user.ID))
	if err != nil {
		return nil, err
	}

	wu, err := s.loadUser(ctx, user)
	if err != nil {
		return nil, err
	}

	credential, err := s.web.FinishRegistration(wu, *sessionData, r)
	if err != nil {
		return nil, customerrors.Wrap(customerrors.KindValidation, "registration ceremony failed", err)
	}

	stored := fromLibraryCredential(user.ID, credential)
	if err := s.creds.Create(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// BeginLogin opens an assertion ceremony scoped to a known user's
// credentials.
func (s *Service) BeginLogin(ctx context.Context, user *entity.User) (*protocol.CredentialAssertion, error) {
	wu, err := s.loadUser(ctx, user)
	if err != nil {
		return nil, err
	}
	// Same rejection as an unknown account: the login surface must not
	// distinguish missing users from passkey-less ones.
	if len(wu.creds) == 0 {
		return nil, customerrors.ErrInvalidCredentials
	}

	options, sessionData, err := s.web.BeginLogin(wu)
	if err != nil {
		return nil, err
	}
	if err := s.ceremonies.Put(ctx, loginKey(user.ID), sessionData, ceremonyTTL); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishLogin verifies the assertion and persists the authenticator's new
// signature counter. The library's clone detection is authoritative here.
func (s *Service) FinishLogin(ctx context.Context, user *entity.User, r *http.Request) (*entity.WebAuthnCredential, error) {
	sessionData, err := s.ceremonies.Take(ctx, loginKey(user.ID))
	if err != nil {
		return nil, err
	}

	wu, err := s.loadUser(ctx, user)
	if err != nil {
		return nil, err
	}

	credential, err := s.web.FinishLogin(wu, *sessionData, r)
	if err != nil {
		return nil, customerrors.Wrap(customerrors.KindUnauthorized, "authentication ceremony failed", err)
	}
	if credential.Authenticator.CloneWarning {
		s.logger.Warn("possible cloned authenticator", "user_id", user.ID)
		return nil, customerrors.New(customerrors.KindUnauthorized, "authenticator counter regression")
	}

	return s.commitAssertion(ctx, credential)
}

// BeginDiscoverableLogin opens an assertion ceremony with no username; any
// registered credential may answer. The returned ceremony id must be echoed
// back at finish.
func (s *Service) BeginDiscoverableLogin(ctx context.Context) (*protocol.CredentialAssertion, string, error) {
	options, sessionData, err := s.web.BeginDiscoverableLogin()
	if err != nil {
		return nil, "", err
	}

	ceremonyID := uuid.NewString()
	if err := s.ceremonies.Put(ctx, discoverableKey(ceremonyID), sessionData, ceremonyTTL); err != nil {
		return nil, "", err
	}
	return options, ceremonyID, nil
}

// FinishDiscoverableLogin resolves the asserting user through the supplied
// lookup and verifies the assertion.
func (s *Service) FinishDiscoverableLogin(ctx context.Context, ceremonyID string, r *http.Request,
	lookup func(ctx context.Context, userHandle []byte) (*entity.User, error)) (*entity.User, *entity.WebAuthnCredential, error) {

	sessionData, err := s.ceremonies.Take(ctx, discoverableKey(ceremonyID))
	if err != nil {
		return nil, nil, err
	}

	var resolved *entity.User
	handler := func(_, userHandle []byte) (webauthn.User, error) {
		user, err := lookup(ctx, userHandle)
		if err != nil {
			return nil, err
		}
		resolved = user
		return s.loadUser(ctx, user)
	}

	credential, err := s.web.FinishDiscoverableLogin(handler, *sessionData, r)
	if err != nil {
		return nil, nil, customerrors.Wrap(customerrors.KindUnauthorized, "authentication ceremony failed", err)
	}
	if credential.Authenticator.CloneWarning {
		return nil, nil, customerrors.New(customerrors.KindUnauthorized, "authenticator counter regression")
	}

	stored, err := s.commitAssertion(ctx, credential)
	if err != nil {
		return nil, nil, err
	}
	return resolved, stored, nil
}

func (s *Service) commitAssertion(ctx context.Context, credential *webauthn.Credential) (*entity.WebAuthnCredential, error) {
	stored, err := s.creds.GetByCredentialID(ctx, credential.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, customerrors.New(customerrors.KindUnauthorized, "unknown credential")
	}

	now := time.Now()
	if err := s.creds.UpdateSignCount(ctx, credential.ID, credential.Authenticator.SignCount, now); err != nil {
		return nil, err
	}
	stored.SignCount = credential.Authenticator.SignCount
	stored.LastUsedAt = &now
	return stored, nil
}

// Credentials lists a user's registered passkeys.
func (s *Service) Credentials(ctx context.Context, userID uuid.UUID) ([]entity.WebAuthnCredential, error) {
	return s.creds.ForUser(ctx, userID)
}

// DeleteCredential removes a passkey unless it is the last authentication
// method of a password-less account.
func (s *Service) DeleteCredential(ctx context.Context, user *entity.User, credentialID []byte) error {
	creds, err := s.creds.ForUser(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(creds) <= 1 && !user.HasPassword() {
		return customerrors.ErrLastAuthMethod
	}
	return s.creds.Delete(ctx, user.ID, credentialID)
}

func fromLibraryCredential(userID uuid.UUID, c *webauthn.Credential) *entity.WebAuthnCredential {
	transports := make([]string, 0, len(c.Transport))
	for _, t := range c.Transport {
		transports = append(transports, string(t))
	}

	deviceType := "single-device"
	if c.Flags.BackupEligible {
		deviceType = "multi-device"
	}

	return &entity.WebAuthnCredential{
		ID:              uuid.New(),
		UserID:          userID,
		CredentialID:    c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transports:      transports,
		SignCount:       c.Authenticator.SignCount,
		DeviceType:      deviceType,
		BackupEligible:  c.Flags.BackupEligible,
		BackupState:     c.Flags.BackupState,
		CreatedAt:       time.Now(),
	}
}

func registrationKey(userID uuid.UUID) string { return "reg:" + userID.String() }
func loginKey(userID uuid.UUID) string        { return "login:" + userID.String() }
func discoverableKey(id string) string        { return "discover:" + id }
