package session

import (
	"context"
	"log/slog"
	"sync"

	apperrors "github.com/alexjbarnes/push-agent/internal/errors"
	"github.com/alexjbarnes/push-agent/internal/models"
	"github.com/alexjbarnes/push-agent/internal/pushapi"
)

//go:generate mockgen -source=service.go -destination=mocks_test.go -package=session

// API is the subset of the push server used for registration and login.
type API interface {
	Register(ctx context.Context, pushToken string) (*pushapi.RegisterResponse, error)
	Login(ctx context.Context, rID string, id pushapi.Identity) (*pushapi.LoginResponse, error)
	Logout(ctx context.Context, token string) error
}

// Registration is the result of registering the device.
type Registration struct {
	PushMode models.PushMode
	RID      string
}

// Service registers the device and exchanges tickets for session tokens.
//
// Registration is serialized. When the wake-up token being registered
// equals the last one that registered successfully, the cached response
// is returned without a network call, so concurrent callers at startup
// collapse into one request.
type Service struct {
	api    API
	creds  Credentials
	logger *slog.Logger

	mu          sync.Mutex
	cached      *Registration
	cachedToken string
}

// NewService creates a registration/login service.
func NewService(api API, creds Credentials, logger *slog.Logger) *Service {
	return &Service{api: api, creds: creds, logger: logger}
}

// wakeupTokenFor returns the wake-up token to register under mode. Only
// PUBLIC delivery goes through the wake-up channel.
func (s *Service) wakeupTokenFor(mode models.PushMode) (string, error) {
	if mode != models.PushModePublic {
		return "", nil
	}

	tok, err := s.creds.Get(KeyWakeupToken, "")
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindStorageFailed, "reading wake-up token", err)
	}

	return tok, nil
}

// PushMode returns the cached push mode, or "" before the first sync.
func (s *Service) PushMode() (models.PushMode, error) {
	v, err := s.creds.Get(KeyPushMode, "")
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindStorageFailed, "reading push mode", err)
	}

	if v == "" {
		return "", nil
	}

	return models.ParsePushMode(v)
}

// Register registers the device with the wake-up token the current push
// mode calls for.
func (s *Service) Register(ctx context.Context) (*Registration, error) {
	mode, err := s.PushMode()
	if err != nil {
		mode = ""
	}

	tok, err := s.wakeupTokenFor(mode)
	if err != nil {
		return nil, err
	}

	return s.RegisterWithToken(ctx, tok)
}

// RegisterWithToken registers the device with an explicit wake-up token,
// using the cache when the token matches the last successful one.
func (s *Service) RegisterWithToken(ctx context.Context, wakeupToken string) (*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.cachedToken == wakeupToken {
		s.logger.Debug("wake-up token already registered, using cached registration")
		reg := *s.cached

		return &reg, nil
	}

	return s.registerLocked(ctx, wakeupToken)
}

// Refresh forces a registration past the cache to obtain a fresh ticket.
// The stream uses it to recover from a rejected ticket.
func (s *Service) Refresh(ctx context.Context) (*Registration, error) {
	mode, err := s.PushMode()
	if err != nil {
		mode = ""
	}

	tok, err := s.wakeupTokenFor(mode)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.registerLocked(ctx, tok)
}

func (s *Service) registerLocked(ctx context.Context, wakeupToken string) (*Registration, error) {
	resp, err := s.api.Register(ctx, wakeupToken)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindRegistrationFailed, "", err)
	}

	if resp.RID == "" {
		return nil, apperrors.New(apperrors.KindRegistrationFailed, "server returned no rId")
	}

	reg := &Registration{RID: resp.RID}

	if resp.PushMode != "" {
		mode, err := models.ParsePushMode(resp.PushMode)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInvalidPushMode, "", err)
		}

		reg.PushMode = mode
	}

	cached := *reg
	s.cached = &cached
	s.cachedToken = wakeupToken

	s.logger.Info("device registered", slog.String("push_mode", string(reg.PushMode)))

	return reg, nil
}

// SyncPushMode registers and stores the server-declared push mode.
func (s *Service) SyncPushMode(ctx context.Context) (models.PushMode, error) {
	reg, err := s.Register(ctx)
	if err != nil {
		return "", err
	}

	if reg.PushMode == "" {
		return "", apperrors.New(apperrors.KindInvalidPushMode, "server returned no push mode")
	}

	if err := s.creds.Set(KeyPushMode, string(reg.PushMode)); err != nil {
		return "", apperrors.Wrap(apperrors.KindStorageFailed, "storing push mode", err)
	}

	return reg.PushMode, nil
}

// UpdateWakeupToken persists a new wake-up token and registers it.
func (s *Service) UpdateWakeupToken(ctx context.Context, token string) error {
	if err := s.creds.Set(KeyWakeupToken, token); err != nil {
		return apperrors.Wrap(apperrors.KindStorageFailed, "storing wake-up token", err)
	}

	_, err := s.RegisterWithToken(ctx, token)

	return err
}

// Login persists the identity, registers for a ticket, and exchanges it
// for a session token.
func (s *Service) Login(ctx context.Context, id pushapi.Identity) (string, error) {
	for key, value := range map[string]string{
		KeyUserID:   id.UserID,
		KeyUserName: id.UserName,
		KeyEmail:    id.Email,
	} {
		if err := s.creds.Set(key, value); err != nil {
			return "", apperrors.Wrap(apperrors.KindStorageFailed, "storing identity", err)
		}
	}

	return s.login(ctx, id)
}

// ReLogin repeats Login with the persisted identity. It is the
// Executor's re-authentication callback.
func (s *Service) ReLogin(ctx context.Context) (string, error) {
	s.logger.Info("re-login with stored identity")

	id, err := s.Identity()
	if err != nil {
		return "", err
	}

	return s.login(ctx, id)
}

// Identity returns the persisted user identity.
func (s *Service) Identity() (pushapi.Identity, error) {
	var id pushapi.Identity

	for key, dst := range map[string]*string{
		KeyUserID:   &id.UserID,
		KeyUserName: &id.UserName,
		KeyEmail:    &id.Email,
	} {
		v, err := s.creds.Get(key, "")
		if err != nil {
			return id, apperrors.Wrap(apperrors.KindStorageFailed, "reading identity", err)
		}

		*dst = v
	}

	return id, nil
}

func (s *Service) login(ctx context.Context, id pushapi.Identity) (string, error) {
	reg, err := s.Register(ctx)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindLoginFailed, "registering for login", err)
	}

	resp, err := s.api.Login(ctx, reg.RID, id)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindLoginFailed, "", err)
	}

	if resp.MatrixPushID == "" {
		return "", apperrors.New(apperrors.KindLoginFailed, "server returned an empty session token")
	}

	if err := s.creds.Set(KeySessionToken, resp.MatrixPushID); err != nil {
		return "", apperrors.Wrap(apperrors.KindStorageFailed, "storing session token", err)
	}

	s.logger.Info("logged in", slog.String("user_id", id.UserID))

	return resp.MatrixPushID, nil
}

// Logout ends the session on the server and clears the local session,
// identity, and registration cache. Local state is cleared even when the
// server call fails.
func (s *Service) Logout(ctx context.Context, exec *Executor) error {
	var callErr error

	tok, err := exec.Token()
	if err == nil && tok != "" {
		callErr = exec.Execute(ctx, func(ctx context.Context, token string) error {
			return s.api.Logout(ctx, token)
		})
	}

	s.Reset()

	for _, key := range []string{KeySessionToken, KeyUserID, KeyUserName, KeyEmail} {
		if err := s.creds.Remove(key); err != nil {
			s.logger.Warn("clearing session key", slog.String("key", key), slog.String("error", err.Error()))
		}
	}

	if callErr != nil {
		return &apperrors.Error{Kind: apperrors.KindLogoutFailed, Detail: callErr.Error(), Err: callErr}
	}

	return nil
}

// Reset drops the cached registration.
func (s *Service) Reset() {
	s.mu.Lock()
	s.cached = nil
	s.cachedToken = ""
	s.mu.Unlock()
}
