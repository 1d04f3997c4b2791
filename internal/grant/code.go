package grant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lds.li/tokenidp/internal/claims"
	"lds.li/tokenidp/internal/clients"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/jwt"
	"lds.li/tokenidp/internal/oautherr"
	"lds.li/tokenidp/internal/policy"
	"lds.li/tokenidp/internal/tokens"
)

// CodeRequest is an approved authorization request for a resource owner.
type CodeRequest struct {
	ClientID    string
	RedirectURI string
	Scope       string
	State       string
	Nonce       string
	MaxAge      time.Duration
	AMRValues   []string
	// ACR is the authentication context the owner was authenticated with.
	// Defaults to claims.PasswordACR.
	ACR string
	// Claims is the JSON claims request parameter, if any.
	Claims string

	CodeChallenge       string
	CodeChallengeMethod string
}

// CodeIssuer stores authorization codes carrying the claims captured at
// approval time, for redemption by the AuthorizationCode grant.
type CodeIssuer struct {
	Codes     tokens.CodeStore
	Clients   clients.Repository
	Generator *claims.Generator
	// Policy evaluates the client's authorization policy. Optional.
	Policy *policy.PolicyEvaluator
	Now    func() time.Time
}

// Issue validates the request against the client registration and stores a
// new code for user.
func (c *CodeIssuer) Issue(ctx context.Context, user *config.User, req *CodeRequest) (*tokens.AuthorizationCode, error) {
	if user == nil || req == nil {
		return nil, oautherr.ErrNilParameter
	}

	client, err := c.Clients.GetByID(ctx, req.ClientID)
	if errors.Is(err, clients.ErrNotFound) {
		return nil, oautherr.Client("%s: %s", oautherr.MsgClientNotValid, req.ClientID)
	} else if err != nil {
		return nil, fmt.Errorf("get client %s: %w", req.ClientID, err)
	}
	if !client.HasResponseType(config.ResponseTypeCode) {
		return nil, oautherr.Client("the client %s doesn't support the response type code", client.ID).WithState(req.State)
	}
	if !client.HasRedirectURL(req.RedirectURI) {
		return nil, oautherr.Request("the redirect url %s is not valid", req.RedirectURI).WithState(req.State)
	}
	if client.RequirePKCE && req.CodeChallenge == "" {
		return nil, oautherr.Request("the client %s requires a code challenge", client.ID).WithState(req.State)
	}
	switch req.CodeChallengeMethod {
	case "", pkceMethodPlain, pkceMethodS256:
	default:
		return nil, oautherr.Request("the code challenge method %s is not supported", req.CodeChallengeMethod).WithState(req.State)
	}

	scopes, err := checkScopes(client, strings.Fields(req.Scope))
	if err != nil {
		if oe, ok := oautherr.As(err); ok {
			return nil, oe.WithState(req.State)
		}
		return nil, err
	}

	if c.Policy != nil {
		ok, err := c.Policy.EvaluateAuthorization(client.AuthorizationPolicy, user)
		if err != nil {
			return nil, fmt.Errorf("evaluate authorization policy for %s: %w", client.ID, err)
		}
		if !ok {
			return nil, oautherr.Grant("the resource owner is not allowed to use the client %s", client.ID).WithState(req.State)
		}
	}

	claimsReq, err := claims.ParseRequest(req.Claims)
	if err != nil {
		return nil, oautherr.Request("the claims parameter is not valid: %v", err).WithState(req.State)
	}

	now := clock(c.Now).now()
	principal := claims.PrincipalFromUser(user, now)
	principal.ACR = req.ACR
	if principal.ACR == "" {
		principal.ACR = claims.PasswordACR
	}
	ap := &claims.AuthorizationParameter{
		ClientID:  client.ID,
		Scope:     strings.Join(scopes, " "),
		State:     req.State,
		Nonce:     req.Nonce,
		MaxAge:    req.MaxAge,
		AMRValues: req.AMRValues,
	}

	var idToken, userInfo jwt.Payload
	if hasOpenID(scopes) {
		if len(claimsReq.IDToken) > 0 {
			idToken, err = c.Generator.GenerateFilteredIDTokenPayload(ctx, principal, ap, claimsReq.IDToken)
		} else {
			idToken, err = c.Generator.GenerateIDTokenPayloadForScopes(ctx, principal, ap)
		}
		if err != nil {
			return nil, err
		}
	}
	if len(claimsReq.UserInfo) > 0 {
		userInfo, err = c.Generator.GenerateFilteredUserInfoPayload(ctx, principal, ap, claimsReq.UserInfo)
	} else {
		userInfo, err = c.Generator.GenerateUserInfoPayloadForScopes(ctx, principal, ap)
	}
	if err != nil {
		return nil, err
	}

	code := &tokens.AuthorizationCode{
		Code:                randomToken(),
		ClientID:            client.ID,
		Scopes:              scopes,
		RedirectURI:         req.RedirectURI,
		CreatedAt:           now,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		IDTokenPayload:      idToken,
		UserInfoPayload:     userInfo,
	}
	if err := c.Codes.Insert(ctx, code); err != nil {
		return nil, fmt.Errorf("store authorization code: %w", err)
	}
	return code, nil
}
