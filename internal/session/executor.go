// Package session owns the session token: registration, login, and the
// executor that runs authenticated calls with one transparent re-login.
package session

import (
	"context"
	"log/slog"

	apperrors "github.com/alexjbarnes/push-agent/internal/errors"
	"github.com/alexjbarnes/push-agent/internal/pushapi"
)

// Settings keys persisted in the credential store.
const (
	KeySessionToken = "session_token"
	KeyPushMode     = "push_mode"
	KeyUserID       = "user_id"
	KeyUserName     = "user_name"
	KeyEmail        = "email"
	KeyDeviceID     = "device_id"
	KeyWakeupToken  = "wakeup_token"
)

// Credentials is the key-value settings store.
type Credentials interface {
	Get(key, def string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// Call is an authenticated remote call made with a session token.
type Call func(ctx context.Context, token string) error

// ReauthFunc obtains a fresh session token. An empty token with a nil
// error means re-authentication produced nothing.
type ReauthFunc func(ctx context.Context) (string, error)

// Executor runs calls with the current session token and re-authenticates
// once when the server answers 401.
type Executor struct {
	creds  Credentials
	reauth ReauthFunc
	logger *slog.Logger
}

// NewExecutor creates an Executor. reauth is typically Service.ReLogin.
func NewExecutor(creds Credentials, reauth ReauthFunc, logger *slog.Logger) *Executor {
	return &Executor{creds: creds, reauth: reauth, logger: logger}
}

// Token returns the current session token, or "" when unauthenticated.
func (e *Executor) Token() (string, error) {
	tok, err := e.creds.Get(KeySessionToken, "")
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindStorageFailed, "reading session token", err)
	}

	return tok, nil
}

// Execute runs call with the stored token. On a 401 it re-authenticates
// exactly once and retries call exactly once, returning the retry's
// result whatever it is.
func (e *Executor) Execute(ctx context.Context, call Call) error {
	tok, err := e.Token()
	if err != nil {
		return err
	}

	if tok == "" {
		return apperrors.New(apperrors.KindNotAuthenticated, "no session token, login first")
	}

	err = call(ctx, tok)
	if !pushapi.IsUnauthorized(err) {
		return err
	}

	e.logger.Info("session rejected, re-authenticating")

	if e.reauth == nil {
		return apperrors.New(apperrors.KindReAuthenticationFailed, "no re-authentication configured")
	}

	fresh, rerr := e.reauth(ctx)
	if rerr != nil {
		return &apperrors.Error{
			Kind:   apperrors.KindReAuthenticationFailed,
			Detail: rerr.Error(),
			Err:    rerr,
		}
	}

	if fresh == "" {
		return apperrors.New(apperrors.KindReAuthenticationFailed, "re-authentication returned no token")
	}

	return call(ctx, fresh)
}

// Query is Execute for calls that return a value.
func Query[T any](ctx context.Context, e *Executor, call func(ctx context.Context, token string) (T, error)) (T, error) {
	var out T

	err := e.Execute(ctx, func(ctx context.Context, token string) error {
		v, err := call(ctx, token)
		if err != nil {
			return err
		}

		out = v

		return nil
	})

	return out, err
}
