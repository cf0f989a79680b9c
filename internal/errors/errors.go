package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure surfaced by the push engine. Kinds are stable
// and safe to match on; the numeric code is what listeners receive.
type Kind int

const (
	KindUnknown Kind = iota
	KindInitializationFailed
	KindInvalidServerURL
	KindNotAuthenticated
	KindConnectionFailed
	KindLoginFailed
	KindReAuthenticationFailed
	KindSyncFailed
	KindStatusReportFailed
	KindMalformedMessage
	KindCampaignFailed
	KindStorageFailed
	KindRegistrationFailed
	KindLogoutFailed
	KindInvalidPushMode
)

var kindInfo = map[Kind]struct {
	code string
	msg  string
}{
	KindUnknown:                {"MPS_001", "An unknown error occurred"},
	KindInitializationFailed:   {"MPS_002", "Push client initialization failed"},
	KindInvalidServerURL:       {"MPS_003", "Invalid server URL"},
	KindNotAuthenticated:       {"MPS_004", "No active session, login first"},
	KindConnectionFailed:       {"MPS_005", "Stream connection failed"},
	KindLoginFailed:            {"MPS_006", "Login failed"},
	KindReAuthenticationFailed: {"MPS_007", "Re-authentication failed"},
	KindSyncFailed:             {"MPS_008", "Failed to sync messages"},
	KindStatusReportFailed:     {"MPS_009", "Failed to report message status"},
	KindMalformedMessage:       {"MPS_010", "Malformed push message"},
	KindCampaignFailed:         {"MPS_011", "Campaign request failed"},
	KindStorageFailed:          {"MPS_012", "Local storage operation failed"},
	KindRegistrationFailed:     {"MPS_013", "Device registration failed"},
	KindLogoutFailed:           {"MPS_014", "Logout failed"},
	KindInvalidPushMode:        {"MPS_015", "Invalid push mode"},
}

// Code returns the stable wire code for the kind, e.g. "MPS_005".
func (k Kind) Code() string {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}

	return kindInfo[KindUnknown].code
}

// String returns the default human-readable message for the kind.
func (k Kind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.msg
	}

	return kindInfo[KindUnknown].msg
}

// Error is the only error type handed to listeners and public callers.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}

	return fmt.Sprintf("%s [Details: %s]", e.Kind.String(), e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels below work with
// errors.Is regardless of detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Kind == e.Kind
}

// New creates an error of the given kind with a detail string.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates an error of the given kind with a formatted detail.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. If err already carries a kind, that kind is
// preserved and the detail is not replaced.
func Wrap(kind Kind, detail string, err error) *Error {
	if err == nil {
		return New(kind, detail)
	}

	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	if detail == "" {
		detail = err.Error()
	} else {
		detail = detail + ": " + err.Error()
	}

	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the kind from err, returning KindUnknown for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}

// Sentinels for errors.Is matching.
var (
	ErrNotAuthenticated       = &Error{Kind: KindNotAuthenticated}
	ErrReAuthenticationFailed = &Error{Kind: KindReAuthenticationFailed}
	ErrConnectionFailed       = &Error{Kind: KindConnectionFailed}
	ErrMalformedMessage       = &Error{Kind: KindMalformedMessage}
	ErrSyncFailed             = &Error{Kind: KindSyncFailed}
	ErrStatusReportFailed     = &Error{Kind: KindStatusReportFailed}
	ErrRegistrationFailed     = &Error{Kind: KindRegistrationFailed}
	ErrLoginFailed            = &Error{Kind: KindLoginFailed}
	ErrLogoutFailed           = &Error{Kind: KindLogoutFailed}
	ErrInvalidPushMode        = &Error{Kind: KindInvalidPushMode}
	ErrCampaignFailed         = &Error{Kind: KindCampaignFailed}
	ErrStorageFailed          = &Error{Kind: KindStorageFailed}
	ErrInitializationFailed   = &Error{Kind: KindInitializationFailed}
)
