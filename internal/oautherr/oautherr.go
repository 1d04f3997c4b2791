// Package oautherr carries the OAuth2/OIDC protocol errors returned by the
// token engine.
package oautherr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNilParameter is returned when a required argument is missing. It points
// at a bug in the caller rather than a bad client request, so it is not a
// protocol error.
var ErrNilParameter = errors.New("required parameter is nil")

// Code is an OAuth2 error code, as sent in the "error" field of a response.
type Code string

const (
	InvalidClient  Code = "invalid_client"
	InvalidGrant   Code = "invalid_grant"
	InvalidScope   Code = "invalid_scope"
	InvalidRequest Code = "invalid_request"
	InvalidToken   Code = "invalid_token"
	InternalError  Code = "internal_error"

	UnsupportedGrantType Code = "unsupported_grant_type"
)

// Error is a protocol level failure. It is expected to be rendered back to the
// client, unlike plain errors which indicate an integration or infrastructure
// problem.
type Error struct {
	Code        Code
	Description string
	// State is echoed back when the failure relates to a request that carried
	// one, so the authorization endpoint can build the error redirect.
	State string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// HTTPStatus returns the status code the error should be served with.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case InvalidClient:
		return http.StatusUnauthorized
	case InternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// New returns an error with the given code and formatted description.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// WithState returns a copy of the error carrying the request state.
func (e *Error) WithState(state string) *Error {
	c := *e
	c.State = state
	return &c
}

func Client(format string, args ...any) *Error  { return New(InvalidClient, format, args...) }
func Grant(format string, args ...any) *Error   { return New(InvalidGrant, format, args...) }
func Scope(format string, args ...any) *Error   { return New(InvalidScope, format, args...) }
func Request(format string, args ...any) *Error { return New(InvalidRequest, format, args...) }
func Token(format string, args ...any) *Error   { return New(InvalidToken, format, args...) }
func Internal(format string, args ...any) *Error {
	return New(InternalError, format, args...)
}

// As extracts a protocol error from err's chain.
func As(err error) (*Error, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// IsCode reports whether err is a protocol error with the given code.
func IsCode(err error, code Code) bool {
	oe, ok := As(err)
	return ok && oe.Code == code
}

// Descriptions shared by the grant actions. Some clients match on the
// CamelCase ones.
const (
	MsgClientCannotBeAuthenticated = "the client cannot be authenticated"
	MsgCodeNotCorrect              = "the authorization code is not correct"
	MsgCodeVerifierNotCorrect      = "the code verifier is not correct"
	MsgCodeObsolete                = "the authorization code is obsolete"
	MsgResourceOwnerCredentials    = "ResourceOwnerCredentialsAreNotValid"
	MsgRefreshTokenNotValid        = "the refresh token is not valid"
	MsgRefreshTokenWrongIssuer     = "the refresh token can be used only by the same issuer"
	MsgClientNotValid              = "ClientIsNotValid"
)
