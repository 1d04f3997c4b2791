package adminapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"crawshaw.dev/jsonfile"
	"github.com/google/uuid"
	"github.com/oklog/run"
	"go.etcd.io/bbolt"
	"lds.li/tokenidp/internal/clients"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/grant"
	"lds.li/tokenidp/internal/oautherr"
	"lds.li/tokenidp/internal/owners"
	"lds.li/tokenidp/internal/storage"
	"lds.li/tokenidp/internal/tokens"
)

// protectedBuckets can be listed but never emptied over the API.
var protectedBuckets = []string{"keys"}

// Server provides an admin API over a Unix socket.
type Server struct {
	config     *config.Config
	credStore  *jsonfile.JSONFile[storage.CredentialStore]
	db         *bbolt.DB
	tokens     tokens.TokenStore
	codes      *grant.CodeIssuer
	dynamic    *clients.DynamicClients
	socketPath string

	now func() time.Time
}

// NewServer creates a new admin API server.
func NewServer(cfg *config.Config, credStore *jsonfile.JSONFile[storage.CredentialStore], db *bbolt.DB, toks tokens.TokenStore, codes *grant.CodeIssuer, dynamic *clients.DynamicClients, socketPath string) *Server {
	return &Server{
		config:     cfg,
		credStore:  credStore,
		db:         db,
		tokens:     toks,
		codes:      codes,
		dynamic:    dynamic,
		socketPath: socketPath,
		now:        time.Now,
	}
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/tokens", s.handleListTokens)
	mux.HandleFunc("DELETE /admin/tokens/{token}", s.handleRevokeToken)
	mux.HandleFunc("POST /admin/clients", s.handleRegisterClient)
	mux.HandleFunc("DELETE /admin/clients/{id}", s.handleDeactivateClient)
	mux.HandleFunc("GET /admin/users", s.handleListUsers)
	mux.HandleFunc("PUT /admin/users/{user}/password", s.handleSetPassword)
	mux.HandleFunc("DELETE /admin/users/{user}/password", s.handleDeletePassword)
	mux.HandleFunc("POST /admin/codes", s.handleIssueCode)
	mux.HandleFunc("GET /admin/boltdb/buckets", s.handleListBuckets)
	mux.HandleFunc("GET /admin/boltdb/buckets/{bucket}", s.handleListBucketContents)
	mux.HandleFunc("DELETE /admin/boltdb/buckets/{bucket}", s.handleDeleteBucketContents)
	return mux
}

// Start starts the admin API server on a Unix socket.
func (s *Server) Start(ctx context.Context, g *run.Group) error {
	// Remove socket if it exists
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Set socket permissions to 0600 (owner read/write only)
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("set socket permissions: %w", err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Add(func() error {
		slog.Info("admin API server listening", slog.String("socket", s.socketPath))
		return server.Serve(listener)
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	})

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", slog.String("error", err.Error()))
	}
}

type TokenInfo struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"client_id"`
	Subject       string    `json:"subject,omitempty"`
	Scope         string    `json:"scope"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Expired       bool      `json:"expired"`
	Refreshable   bool      `json:"refreshable"`
	ParentTokenID string    `json:"parent_token_id,omitempty"`
}

type ListTokensResponse struct {
	Tokens []TokenInfo `json:"tokens"`
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.tokens.(tokens.TokenLister)
	if !ok {
		http.Error(w, "token store can't be listed", http.StatusNotImplemented)
		return
	}
	all, err := lister.ListTokens(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("list tokens: %v", err), http.StatusInternalServerError)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	now := s.now()
	resp := ListTokensResponse{Tokens: []TokenInfo{}}
	for _, t := range all {
		if clientID != "" && t.ClientID != clientID {
			continue
		}
		resp.Tokens = append(resp.Tokens, TokenInfo{
			ID:            t.ID,
			ClientID:      t.ClientID,
			Subject:       t.Subject(),
			Scope:         t.Scope,
			CreatedAt:     t.CreatedAt,
			ExpiresAt:     t.ExpiresAt(),
			Expired:       t.IsExpired(now),
			Refreshable:   t.RefreshToken != "" && !t.RefreshExpired(now),
			ParentTokenID: t.ParentTokenID,
		})
	}
	slices.SortFunc(resp.Tokens, func(a, b TokenInfo) int { return a.CreatedAt.Compare(b.CreatedAt) })
	writeJSON(w, http.StatusOK, resp)
}

// handleRevokeToken removes a token by its access or refresh token value,
// regardless of the client it was issued to.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	value := r.PathValue("token")
	removed, err := s.tokens.RemoveAccessToken(r.Context(), value)
	if err == nil && !removed {
		removed, err = s.tokens.RemoveRefreshToken(r.Context(), value)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("remove token: %v", err), http.StatusInternalServerError)
		return
	}
	if !removed {
		http.Error(w, "token not found", http.StatusNotFound)
		return
	}
	slog.InfoContext(r.Context(), "token revoked over admin API")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	s.dynamic.HandleRegister(w, r)
}

func (s *Server) handleDeactivateClient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.dynamic.Deactivate(r.Context(), id); errors.Is(err, storage.ErrDynamicClientNotFound) {
		http.Error(w, "client not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, fmt.Sprintf("deactivate client: %v", err), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type UserInfo struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	FullName    string `json:"full_name,omitempty"`
	HasPassword bool   `json:"has_password"`
}

type ListUsersResponse struct {
	Users []UserInfo `json:"users"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	resp := ListUsersResponse{Users: []UserInfo{}}
	s.credStore.Read(func(cs *storage.CredentialStore) {
		for _, u := range s.config.Users {
			resp.Users = append(resp.Users, UserInfo{
				ID:          u.ID.String(),
				Username:    u.Username,
				Email:       u.Email,
				FullName:    u.FullName,
				HasPassword: cs.ForUser(u.ID) != nil,
			})
		}
	})
	writeJSON(w, http.StatusOK, resp)
}

// lookupUser finds a user by ID or username.
func (s *Server) lookupUser(ref string) (*config.User, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return s.config.Users.GetUser(id)
	}
	return s.config.Users.GetUserByUsername(ref)
}

type SetPasswordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	user, err := s.lookupUser(r.PathValue("user"))
	if err != nil {
		http.Error(w, fmt.Sprintf("user not found: %v", err), http.StatusNotFound)
		return
	}

	var req SetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}
	if err := owners.SetPassword(s.credStore, user.ID, req.Password); err != nil {
		http.Error(w, fmt.Sprintf("set password: %v", err), http.StatusBadRequest)
		return
	}
	slog.InfoContext(r.Context(), "password set", "userID", user.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeletePassword(w http.ResponseWriter, r *http.Request) {
	user, err := s.lookupUser(r.PathValue("user"))
	if err != nil {
		http.Error(w, fmt.Sprintf("user not found: %v", err), http.StatusNotFound)
		return
	}
	found, err := owners.DeletePassword(s.credStore, user.ID)
	if err != nil {
		http.Error(w, fmt.Sprintf("delete password: %v", err), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "user has no password", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type IssueCodeRequest struct {
	User                string   `json:"user"`
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	Scope               string   `json:"scope"`
	State               string   `json:"state,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	ACR                 string   `json:"acr,omitempty"`
	AMRValues           []string `json:"amr_values,omitempty"`
	Claims              string   `json:"claims,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
}

type IssueCodeResponse struct {
	Code     string `json:"code"`
	Redirect string `json:"redirect"`
}

// handleIssueCode stands in for an interactive authorization step, issuing a
// code for an already authenticated user.
func (s *Server) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	var req IssueCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}
	user, err := s.lookupUser(req.User)
	if err != nil {
		http.Error(w, fmt.Sprintf("user not found: %v", err), http.StatusNotFound)
		return
	}

	code, err := s.codes.Issue(r.Context(), user, &grant.CodeRequest{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		ACR:                 req.ACR,
		AMRValues:           req.AMRValues,
		Claims:              req.Claims,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if oe, ok := oautherr.As(err); ok {
		http.Error(w, oe.Error(), http.StatusBadRequest)
		return
	} else if err != nil {
		http.Error(w, fmt.Sprintf("issue code: %v", err), http.StatusInternalServerError)
		return
	}

	ru, err := url.Parse(req.RedirectURI)
	if err != nil {
		http.Error(w, fmt.Sprintf("parse redirect uri: %v", err), http.StatusBadRequest)
		return
	}
	q := ru.Query()
	q.Set("code", code.Code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	ru.RawQuery = q.Encode()
	redirect := ru.String()
	writeJSON(w, http.StatusOK, IssueCodeResponse{Code: code.Code, Redirect: redirect})
}

type BucketResponse struct {
	Bucket string `json:"bucket"`
}

type BucketEntryResponse struct {
	Key      string          `json:"key"`
	KeyParts []string        `json:"key_parts,omitempty"`
	Value    json.RawMessage `json:"value"`
	Format   string          `json:"format"`
}

// handleListBuckets streams one NDJSON line per bucket.
func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			return enc.Encode(BucketResponse{Bucket: string(name)})
		})
	}); err != nil {
		slog.ErrorContext(r.Context(), "list buckets", "error", err)
	}
}

func (s *Server) handleListBucketContents(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("bucket")
	var entries []BucketEntryResponse
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return errBucketNotFound
		}
		return b.ForEach(func(k, v []byte) error {
			e := BucketEntryResponse{Key: string(k), Format: "json"}
			if parts := strings.Split(string(k), ":"); len(parts) > 1 {
				e.KeyParts = parts
			}
			if json.Valid(v) {
				e.Value = append(json.RawMessage(nil), v...)
			} else {
				raw, _ := json.Marshal(base64.StdEncoding.EncodeToString(v))
				e.Value, e.Format = raw, "raw"
			}
			entries = append(entries, e)
			return nil
		})
	})
	if errors.Is(err, errBucketNotFound) {
		http.Error(w, "bucket not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, fmt.Sprintf("read bucket: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			slog.ErrorContext(r.Context(), "encode bucket entry", "error", err)
			return
		}
	}
}

var errBucketNotFound = errors.New("bucket not found")

func (s *Server) handleDeleteBucketContents(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("bucket")
	if slices.Contains(protectedBuckets, name) {
		http.Error(w, fmt.Sprintf("bucket %s can't be emptied", name), http.StatusForbidden)
		return
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return errBucketNotFound
		}
		if err := tx.DeleteBucket([]byte(name)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(name))
		return err
	})
	if errors.Is(err, errBucketNotFound) {
		http.Error(w, "bucket not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, fmt.Sprintf("empty bucket: %v", err), http.StatusInternalServerError)
		return
	}
	slog.InfoContext(r.Context(), "bucket emptied", "bucket", name)
	w.WriteHeader(http.StatusNoContent)
}
