package oidcsvr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"lds.li/tokenidp/internal/claims"
	"lds.li/tokenidp/internal/clientauth"
	"lds.li/tokenidp/internal/clients"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/grant"
	"lds.li/tokenidp/internal/jwk"
	"lds.li/tokenidp/internal/oautherr"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	State       string `json:"state,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, oautherr.Request("the request body can't be parsed: %v", err))
		return
	}
	f := r.PostForm
	req := &grant.TokenRequest{
		GrantType:    f.Get("grant_type"),
		Client:       clientauth.InstructionFromRequest(r),
		Scope:        f.Get("scope"),
		Code:         f.Get("code"),
		RedirectURI:  f.Get("redirect_uri"),
		CodeVerifier: f.Get("code_verifier"),
		Username:     f.Get("username"),
		Password:     f.Get("password"),
		AMRValues:    strings.Fields(f.Get("amr_values")),
		RefreshToken: f.Get("refresh_token"),
	}

	tok, err := s.Actions.Token(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		RefreshToken: tok.RefreshToken,
		IDToken:      tok.IDToken,
		Scope:        tok.Scope,
	})
}

func (s *Server) parseRevokeRequest(r *http.Request) (*grant.RevokeRequest, error) {
	if err := r.ParseForm(); err != nil {
		return nil, oautherr.Request("the request body can't be parsed: %v", err)
	}
	return &grant.RevokeRequest{
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		Client:        clientauth.InstructionFromRequest(r),
	}, nil
}

// handleRevoke answers 200 whether or not the token existed, per RFC 7009.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseRevokeRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.Actions.RevokeToken(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseRevokeRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Actions.IntrospectToken(r.Context(), req)
	if oautherr.IsCode(err, oautherr.InvalidToken) {
		writeJSON(w, http.StatusOK, &grant.IntrospectionResult{Active: false})
		return
	} else if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !res.Active {
		res = &grant.IntrospectionResult{Active: false}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok && r.Method == http.MethodPost {
		bearer = r.PostFormValue("access_token")
	}
	if bearer == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: string(oautherr.InvalidRequest), Description: "no access token presented"})
		return
	}

	tok, err := s.Tokens.GetAccessToken(ctx, bearer)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("get access token: %w", err))
		return
	}
	if tok == nil || tok.IsExpired(s.now()) {
		writeInvalidBearer(w, "the access token is not valid")
		return
	}
	if !slices.Contains(tok.Scopes(), claims.ScopeOpenID) || tok.UserInfoPayload == nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo", error="insufficient_scope"`)
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "insufficient_scope", Description: "the access token was not granted the openid scope"})
		return
	}

	client, err := s.Clients.GetByID(ctx, tok.ClientID)
	if errors.Is(err, clients.ErrNotFound) {
		// deactivated since the token was issued
		writeInvalidBearer(w, "the client of the access token is no longer valid")
		return
	} else if err != nil {
		s.writeError(w, r, fmt.Errorf("get client %s: %w", tok.ClientID, err))
		return
	}
	if client.UserinfoSignedResponseAlg == "" && client.UserinfoEncryptedResponseAlg == "" {
		writeJSON(w, http.StatusOK, tok.UserInfoPayload)
		return
	}

	payload := tok.UserInfoPayload.Clone()
	payload[claims.Issuer] = s.Config.IssuerName()
	payload[claims.Audience] = client.ID
	signAlg := client.UserinfoSignedResponseAlg
	if signAlg == "" {
		signAlg = client.IDTokenSignedResponseAlg
	}
	jws, err := s.Generator.Sign(ctx, payload, signAlg)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("sign userinfo: %w", err))
		return
	}
	if client.UserinfoEncryptedResponseAlg != "" {
		jws, err = s.Generator.Encrypt(ctx, jws, client.UserinfoEncryptedResponseAlg, client.UserinfoEncryptedResponseEnc)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("encrypt userinfo: %w", err))
			return
		}
	}
	w.Header().Set("Content-Type", "application/jwt")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(jws))
}

func writeInvalidBearer(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo", error="invalid_token"`)
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: string(oautherr.InvalidToken), Description: desc})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	if err := json.NewEncoder(w).Encode(s.Keys.PublicJWKS()); err != nil {
		slog.ErrorContext(r.Context(), "encode jwks", "error", err)
	}
}

type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	IDTokenEncryptionAlgValues        []string `json:"id_token_encryption_alg_values_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsParameterSupported          bool     `json:"claims_parameter_supported"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	var scopes []string
	for _, sc := range s.Config.ScopeRepository() {
		if sc.Exposed {
			scopes = append(scopes, sc.Name)
		}
	}
	writeJSON(w, http.StatusOK, discoveryDocument{
		Issuer:                s.Config.IssuerName(),
		TokenEndpoint:         s.endpoint(pathToken),
		RevocationEndpoint:    s.endpoint(pathRevoke),
		IntrospectionEndpoint: s.endpoint(pathIntrospect),
		UserinfoEndpoint:      s.endpoint(pathUserinfo),
		JWKSURI:               s.endpoint(pathJWKS),
		ScopesSupported:       scopes,
		ResponseTypesSupported: []string{
			config.ResponseTypeCode,
			config.ResponseTypeIDToken,
			config.ResponseTypeToken,
		},
		GrantTypesSupported: []string{
			config.GrantTypeAuthorizationCode,
			config.GrantTypePassword,
			config.GrantTypeClientCredentials,
			config.GrantTypeRefreshToken,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: s.Keys.SupportedAlgorithms(jwk.UseSignature),
		IDTokenEncryptionAlgValues:       s.Keys.SupportedAlgorithms(jwk.UseEncryption),
		TokenEndpointAuthMethodsSupported: []string{
			string(config.AuthClientSecretBasic),
			string(config.AuthClientSecretPost),
			string(config.AuthClientSecretJWT),
			string(config.AuthPrivateKeyJWT),
			string(config.AuthTLSClient),
			string(config.AuthNone),
		},
		CodeChallengeMethodsSupported: []string{"S256", "plain"},
		ClaimsParameterSupported:      true,
	})
}

// writeError renders protocol errors as the OAuth2 error response. Anything
// else is logged and served as a bare 500, so infrastructure details never
// reach the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var oe *oautherr.Error
	if !errors.As(err, &oe) {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if oe.Code == oautherr.InternalError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	if oe.Code == oautherr.InvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="`+s.Config.IssuerName()+`"`)
	}
	writeJSON(w, oe.HTTPStatus(), errorResponse{
		Error:       string(oe.Code),
		Description: oe.Description,
		State:       oe.State,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
