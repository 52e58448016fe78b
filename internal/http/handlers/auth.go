package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/turismo/server/internal/auth"
	"github.com/turismo/server/internal/middleware"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	svc     *auth.Service
	devMode bool
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(svc *auth.Service, devMode bool) *AuthHandler {
	return &AuthHandler{svc: svc, devMode: devMode}
}

// requestCodeRequest is the request body for POST /api/auth/request-code
type requestCodeRequest struct {
	Email string `json:"email"`
}

// requestCodeData carries the generated code only in dev mode
type requestCodeData struct {
	DevCode string `json:"dev_code,omitempty"`
}

// verifyCodeRequest is the request body for POST /api/auth/verify-code and
// POST /api/auth/verify-totp
type verifyCodeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// tokenData is the payload returned on successful login
type tokenData struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
}

// HandleRequestCode handles POST /api/auth/request-code
func (h *AuthHandler) HandleRequestCode(w http.ResponseWriter, r *http.Request) {
	var req requestCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondValidation(w, "invalid request body")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		respondValidation(w, "email is required")
		return
	}

	code, err := h.svc.SendVerificationCode(r.Context(), req.Email)
	if err != nil {
		respondError(w, err)
		return
	}

	var data interface{}
	if h.devMode {
		data = requestCodeData{DevCode: code}
	}
	respond(w, http.StatusOK, "code_sent", data)
}

// HandleVerifyCode handles POST /api/auth/verify-code
func (h *AuthHandler) HandleVerifyCode(w http.ResponseWriter, r *http.Request) {
	h.handleLogin(w, r, h.svc.Authenticate)
}

// HandleVerifyTOTP handles POST /api/auth/verify-totp
func (h *AuthHandler) HandleVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	h.handleLogin(w, r, h.svc.AuthenticateTOTP)
}

func (h *AuthHandler) handleLogin(
	w http.ResponseWriter,
	r *http.Request,
	authenticate func(ctx context.Context, email, code, ip string) (string, error),
) {
	var req verifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondValidation(w, "invalid request body")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	req.Code = strings.TrimSpace(req.Code)
	if req.Email == "" || req.Code == "" {
		respondValidation(w, "email and code are required")
		return
	}

	token, err := authenticate(r.Context(), req.Email, req.Code, middleware.ClientIP(r))
	if err != nil {
		respondError(w, err)
		return
	}

	respond(w, http.StatusOK, "authenticated", tokenData{Token: token, TokenType: "bearer"})
}

// HandleLogout handles POST /api/auth/logout (protected)
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.GetToken(r.Context())
	if !ok {
		respondValidation(w, "missing bearer token")
		return
	}
	h.svc.Logout(token)
	respond(w, http.StatusOK, "logged_out", nil)
}

// meData is the payload for GET /api/me
type meData struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

// HandleMe handles GET /api/me (protected)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	email, ok := middleware.GetEmail(r.Context())
	if !ok {
		respondValidation(w, "missing session")
		return
	}
	roles, _ := middleware.GetRoles(r.Context())
	respond(w, http.StatusOK, "ok", meData{Email: email, Roles: roles})
}
