package oidc

import (
	"errors"
	"fmt"
	"log/slog"
)

type errorType string

const (
	InvalidRequest       errorType = "invalid_request"
	InvalidScope         errorType = "invalid_scope"
	InvalidClient        errorType = "invalid_client"
	InvalidGrant         errorType = "invalid_grant"
	UnauthorizedClient   errorType = "unauthorized_client"
	UnsupportedGrantType errorType = "unsupported_grant_type"
	ServerError          errorType = "server_error"
	AccessDenied         errorType = "access_denied"
	ExpiredToken         errorType = "expired_token"
	AuthorizationPending errorType = "authorization_pending"
	SlowDown             errorType = "slow_down"

	// CIBA specific error types
	UnknownUserID         errorType = "unknown_user_id"
	MissingUserCode       errorType = "missing_user_code"
	InvalidUserCode       errorType = "invalid_user_code"
	InvalidBindingMessage errorType = "invalid_binding_message"
)

var (
	ErrInvalidRequest = func() *Error {
		return &Error{
			ErrorType: InvalidRequest,
		}
	}
	ErrInvalidScope = func() *Error {
		return &Error{
			ErrorType: InvalidScope,
		}
	}
	ErrInvalidClient = func() *Error {
		return &Error{
			ErrorType: InvalidClient,
		}
	}
	ErrInvalidGrant = func() *Error {
		return &Error{
			ErrorType: InvalidGrant,
		}
	}
	ErrUnauthorizedClient = func() *Error {
		return &Error{
			ErrorType: UnauthorizedClient,
		}
	}
	ErrUnsupportedGrantType = func() *Error {
		return &Error{
			ErrorType: UnsupportedGrantType,
		}
	}
	ErrServerError = func() *Error {
		return &Error{
			ErrorType: ServerError,
		}
	}
	ErrAccessDenied = func() *Error {
		return &Error{
			ErrorType:   AccessDenied,
			Description: "The authorization request was denied.",
		}
	}
	ErrExpiredToken = func() *Error {
		return &Error{
			ErrorType:   ExpiredToken,
			Description: "The authentication request has expired.",
		}
	}

	// ErrAuthorizationPending is returned on the token endpoint while the
	// end user has not yet completed the out-of-band authentication.
	ErrAuthorizationPending = func() *Error {
		return &Error{
			ErrorType:   AuthorizationPending,
			Description: "The client should repeat the token request after the advertised interval.",
		}
	}

	// ErrSlowDown is returned when a client polls faster than the
	// advertised minimum interval.
	ErrSlowDown = func() *Error {
		return &Error{
			ErrorType:   SlowDown,
			Description: "Polling must not occur more frequently than the advertised interval.",
		}
	}
	ErrUnknownUserID = func() *Error {
		return &Error{
			ErrorType:   UnknownUserID,
			Description: "The OpenID Provider is not able to identify the end user by the provided hint.",
		}
	}
	ErrMissingUserCode = func() *Error {
		return &Error{
			ErrorType:   MissingUserCode,
			Description: "User code is required but was missing from the request.",
		}
	}
	ErrInvalidUserCode = func() *Error {
		return &Error{
			ErrorType:   InvalidUserCode,
			Description: "The user code was invalid.",
		}
	}
	ErrInvalidBindingMessage = func() *Error {
		return &Error{
			ErrorType: InvalidBindingMessage,
		}
	}
)

type Error struct {
	Parent      error     `json:"-" schema:"-"`
	ErrorType   errorType `json:"error" schema:"error"`
	Description string    `json:"error_description,omitempty" schema:"error_description,omitempty"`
}

func (e *Error) Error() string {
	message := "ErrorType=" + string(e.ErrorType)
	if e.Description != "" {
		message += " Description=" + e.Description
	}
	if e.Parent != nil {
		message += " Parent=" + e.Parent.Error()
	}
	return message
}

func (e *Error) Unwrap() error {
	return e.Parent
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.ErrorType == t.ErrorType &&
		(e.Description == t.Description || t.Description == "")
}

func (e *Error) WithParent(err error) *Error {
	e.Parent = err
	return e
}

func (e *Error) WithDescription(desc string, args ...any) *Error {
	e.Description = fmt.Sprintf(desc, args...)
	return e
}

// DefaultToServerError checks if the error is an Error
// if not the provided error will be wrapped into a ServerError
func DefaultToServerError(err error, description string) *Error {
	oauth := new(Error)
	if ok := errors.As(err, &oauth); !ok {
		oauth.ErrorType = ServerError
		oauth.Description = description
		oauth.Parent = err
	}
	return oauth
}

// StatusCode maps the error type to the HTTP status the endpoint must answer with.
func (e *Error) StatusCode() int {
	switch e.ErrorType {
	case InvalidClient:
		return 401
	case ServerError:
		return 500
	default:
		return 400
	}
}

// LogLevel returns a suggested logging level for the error.
// AuthorizationPending and SlowDown are part of the regular polling
// conversation and are therefore only suggested on info level.
func (e *Error) LogLevel() slog.Level {
	level := slog.LevelWarn
	if e.ErrorType == ServerError {
		level = slog.LevelError
	}
	if e.ErrorType == AuthorizationPending || e.ErrorType == SlowDown {
		level = slog.LevelInfo
	}
	return level
}

func (e *Error) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 3)
	if e.Parent != nil {
		attrs = append(attrs, slog.Any("parent", e.Parent))
	}
	if e.Description != "" {
		attrs = append(attrs, slog.String("description", e.Description))
	}
	if e.ErrorType != "" {
		attrs = append(attrs, slog.String("type", string(e.ErrorType)))
	}
	return slog.GroupValue(attrs...)
}
