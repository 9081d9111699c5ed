package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/prospectaio/prospecta/pipeline/pkg/store"
)

// Token lifetime
const tokenLifetime = 7 * 24 * time.Hour

// Claims is the payload embedded in a signed bearer token.
type Claims struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	ExpiresAt int64     `json:"exp"`
}

// Authenticator signs and verifies bearer tokens with an HMAC-SHA256 over
// the JSON claims. Tokens are payload.signature, both base64url.
type Authenticator struct {
	secret []byte
	clock  clockwork.Clock
}

func NewAuthenticator(secret []byte, clock clockwork.Clock) *Authenticator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Authenticator{secret: secret, clock: clock}
}

// Sign issues a token for the user valid for tokenLifetime.
func (a *Authenticator) Sign(id uuid.UUID, email string) (string, error) {
	claims := Claims{
		ID:        id,
		Email:     email,
		ExpiresAt: a.clock.Now().Add(tokenLifetime).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + a.signature(encoded), nil
}

// Verify checks the token signature and expiry and returns the claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, fmt.Errorf("malformed token")
	}
	if !hmac.Equal([]byte(sig), []byte(a.signature(encoded))) {
		return nil, fmt.Errorf("invalid token signature")
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed token payload: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("malformed token claims: %w", err)
	}
	if a.clock.Now().Unix() >= claims.ExpiresAt {
		return nil, fmt.Errorf("token expired")
	}
	return &claims, nil
}

func (a *Authenticator) signature(encoded string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

type claimsKey struct{}

// ClaimsFromContext returns the authenticated claims, nil outside the auth
// middleware.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	return claims
}

// requireAuth rejects requests without a valid bearer token.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
			return
		}
		claims, err := s.auth.Verify(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid token", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin verifies credentials and issues a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[loginRequest](r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "email and password are required", nil)
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if err == store.ErrNotFound {
			// Same response as a bad password so probes can't enumerate users.
			s.writeError(w, http.StatusUnauthorized, "invalid credentials", nil)
			return
		}
		s.writeStoreError(w, err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials", nil)
		return
	}

	token, err := s.auth.Sign(user.ID, user.Email)
	if err != nil {
		s.log.Error("failed to sign token", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	s.log.Info("user logged in", "email", user.Email)
	s.writeSuccess(w, map[string]any{
		"token":     token,
		"expiresIn": int(tokenLifetime.Seconds()),
		"user":      map[string]any{"id": user.ID, "email": user.Email},
	})
}

// handleRefresh exchanges a still-valid token for a fresh one.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		s.writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
		return
	}
	token, err := s.auth.Sign(claims.ID, claims.Email)
	if err != nil {
		s.log.Error("failed to sign token", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	s.writeSuccess(w, map[string]any{
		"token":     token,
		"expiresIn": int(tokenLifetime.Seconds()),
	})
}
