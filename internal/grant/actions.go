package grant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"lds.li/tokenidp/internal/clientauth"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/events"
	"lds.li/tokenidp/internal/oautherr"
	"lds.li/tokenidp/internal/tokens"
)

// Action is a single grant type.
type Action interface {
	Execute(ctx context.Context, req *TokenRequest) (*tokens.GrantedToken, error)
}

// TokenActions is the token endpoint entry point. It checks the parameters
// each grant type requires, dispatches on grant_type, and publishes events
// for every request.
type TokenActions struct {
	AuthorizationCode Action
	Password          Action
	ClientCredentials Action
	Refresh           Action

	Revoke     *Revoke
	Introspect *Introspect

	// Events receives request events. Defaults to discarding them.
	Events events.Sink
}

func (t *TokenActions) sink() events.Sink {
	if t.Events != nil {
		return t.Events
	}
	return events.Nop{}
}

// Token runs the grant named by req.GrantType.
func (t *TokenActions) Token(ctx context.Context, req *TokenRequest) (*tokens.GrantedToken, error) {
	if req == nil {
		return nil, oautherr.ErrNilParameter
	}
	pid := uuid.NewString()
	t.sink().Publish(ctx, events.Event{
		Kind:      events.GrantReceived,
		ProcessID: pid,
		GrantType: req.GrantType,
		ClientID:  requestClientID(req),
		Time:      time.Now(),
	})

	tok, err := t.token(ctx, req)
	if err != nil {
		t.publishFailure(ctx, pid, req.GrantType, requestClientID(req), err)
		return nil, err
	}
	t.sink().Publish(ctx, events.Event{
		Kind:      events.TokenGranted,
		ProcessID: pid,
		GrantType: req.GrantType,
		ClientID:  tok.ClientID,
		Scope:     tok.Scope,
		Time:      time.Now(),
	})
	return tok, nil
}

func (t *TokenActions) token(ctx context.Context, req *TokenRequest) (*tokens.GrantedToken, error) {
	if err := validateTokenRequest(req); err != nil {
		return nil, err
	}
	var action Action
	switch req.GrantType {
	case config.GrantTypeAuthorizationCode:
		action = t.AuthorizationCode
	case config.GrantTypePassword:
		action = t.Password
	case config.GrantTypeClientCredentials:
		action = t.ClientCredentials
	case config.GrantTypeRefreshToken:
		action = t.Refresh
	}
	if action == nil {
		return nil, oautherr.New(oautherr.UnsupportedGrantType, "the grant type %s is not supported", req.GrantType)
	}
	return action.Execute(ctx, req)
}

// validateTokenRequest rejects requests missing a parameter their grant type
// needs, before any lookup happens.
func validateTokenRequest(req *TokenRequest) error {
	missing := func(name string) error {
		return oautherr.Request("the parameter %s is missing", name)
	}
	switch req.GrantType {
	case "":
		return missing("grant_type")
	case config.GrantTypeAuthorizationCode:
		if req.Code == "" {
			return missing("code")
		}
		if req.RedirectURI == "" {
			return missing("redirect_uri")
		}
	case config.GrantTypePassword:
		if req.Username == "" {
			return missing("username")
		}
		if req.Password == "" {
			return missing("password")
		}
	case config.GrantTypeRefreshToken:
		if req.RefreshToken == "" {
			return missing("refresh_token")
		}
	}
	return nil
}

// RevokeToken revokes a token and publishes the outcome.
func (t *TokenActions) RevokeToken(ctx context.Context, req *RevokeRequest) (bool, error) {
	if req == nil {
		return false, oautherr.ErrNilParameter
	}
	pid := uuid.NewString()
	removed, err := t.Revoke.Execute(ctx, req)
	if err != nil {
		t.publishFailure(ctx, pid, "", instructionClientID(req.Client), err)
		return false, err
	}
	if removed {
		t.sink().Publish(ctx, events.Event{
			Kind:      events.TokenRevoked,
			ProcessID: pid,
			ClientID:  instructionClientID(req.Client),
			Time:      time.Now(),
		})
	}
	return removed, nil
}

// IntrospectToken introspects a token and publishes the outcome.
func (t *TokenActions) IntrospectToken(ctx context.Context, req *RevokeRequest) (*IntrospectionResult, error) {
	if req == nil {
		return nil, oautherr.ErrNilParameter
	}
	pid := uuid.NewString()
	res, err := t.Introspect.Execute(ctx, req)
	if err != nil {
		t.publishFailure(ctx, pid, "", instructionClientID(req.Client), err)
		return nil, err
	}
	t.sink().Publish(ctx, events.Event{
		Kind:      events.TokenIntrospected,
		ProcessID: pid,
		ClientID:  instructionClientID(req.Client),
		Time:      time.Now(),
	})
	return res, nil
}

func (t *TokenActions) publishFailure(ctx context.Context, pid, grantType, clientID string, err error) {
	code := string(oautherr.InternalError)
	if oe, ok := oautherr.As(err); ok {
		code = string(oe.Code)
	} else if errors.Is(err, oautherr.ErrNilParameter) {
		code = string(oautherr.InvalidRequest)
	}
	t.sink().Publish(ctx, events.Event{
		Kind:      events.GrantFailed,
		ProcessID: pid,
		GrantType: grantType,
		ClientID:  clientID,
		ErrorCode: code,
		Message:   err.Error(),
		Time:      time.Now(),
	})
}

// requestClientID is the client the request claims to be, for events only.
func requestClientID(req *TokenRequest) string {
	return instructionClientID(req.Client)
}

func instructionClientID(in clientauth.Instruction) string {
	if in.HasBasic && in.BasicClientID != "" {
		return in.BasicClientID
	}
	return in.ClientID
}
