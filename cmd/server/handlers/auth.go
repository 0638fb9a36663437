package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kimhsiao/stockroom/backend/internal/auth"
	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// Cookie names set at sign-in.
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
)

// UserFromContext returns the user attached by RequireAuth.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(ctxKeyUser).(*models.User)
	return u, ok && u != nil
}

// accessToken reads the bearer token, falling back to the access_token
// cookie.
func accessToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// AuthHandler handles sign-up, sign-in and session endpoints.
type AuthHandler struct {
	errorWriter
	svc        *auth.Service
	secure     bool
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewAuthHandler creates a new AuthHandler. Cookies are marked Secure in
// production.
func NewAuthHandler(svc *auth.Service, ew errorWriter, accessTTL, refreshTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		errorWriter: ew,
		svc:         svc,
		secure:      ew.production,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
	}
}

// RequireAuth rejects requests without a valid access token and attaches
// the user to the request context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := accessToken(r)
		if token == "" {
			h.write(w, r, apperrors.New(apperrors.ErrAuth, "token not provided"))
			return
		}
		u, err := h.svc.GetUser(r.Context(), token)
		if err != nil {
			h.write(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUser, u)))
	})
}

// RequireRole rejects authenticated users without role. It must run
// after RequireAuth.
func (h *AuthHandler) RequireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		if !ok {
			h.write(w, r, apperrors.New(apperrors.ErrAuth, "token not provided"))
			return
		}
		if u.Role != role {
			h.write(w, r, apperrors.New(apperrors.ErrPermission, "insufficient role"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AuthHandler) cookie(name, value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteNoneMode,
	}
}

func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, s *auth.Session) {
	http.SetCookie(w, h.cookie(AccessTokenCookie, s.AccessToken, h.accessTTL))
	http.SetCookie(w, h.cookie(RefreshTokenCookie, s.RefreshToken, h.refreshTTL))
}

func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie} {
		c := h.cookie(name, "", 0)
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// Register handles POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		h.write(w, r, err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := validateStruct(req); err != nil {
		h.write(w, r, err)
		return
	}
	u, err := h.svc.SignUp(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		h.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "user": u})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.write(w, r, err)
		return
	}
	if err := validateStruct(req); err != nil {
		h.write(w, r, err)
		return
	}
	s, err := h.svc.SignInWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		h.write(w, r, err)
		return
	}
	h.setSessionCookies(w, s)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"user":         s.User,
		"access_token": s.AccessToken,
		"expires_at":   s.AccessExpiresAt.Unix(),
	})
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(RefreshTokenCookie); err == nil {
		if err := h.svc.SignOut(r.Context(), c.Value); err != nil {
			h.write(w, r, err)
			return
		}
	}
	h.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Refresh handles POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(RefreshTokenCookie)
	if err != nil || c.Value == "" {
		h.write(w, r, apperrors.New(apperrors.ErrAuth, "refresh token not provided"))
		return
	}
	s, err := h.svc.Refresh(r.Context(), c.Value)
	if err != nil {
		h.clearSessionCookies(w)
		h.write(w, r, err)
		return
	}
	h.setSessionCookies(w, s)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"access_token": s.AccessToken,
		"expires_at":   s.AccessExpiresAt.Unix(),
	})
}

// Me handles GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "user": u})
}

// Verify handles GET /auth/verify
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "token valid"})
}
