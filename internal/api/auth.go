package api

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/clawsuite/clawsuite/internal/store"
)

const (
	clawSuiteTokenPrefix = "cs_auth_"
	sessionCookieName    = "clawsuite_session"
	defaultAuthTTL       = 10 * time.Minute
	defaultSessionTTL    = 7 * 24 * time.Hour
	clockSkewAllowance   = 2 * time.Minute
)

type AuthRequestResponse struct {
	RequestID   string           `json:"request_id"`
	State       string           `json:"state"`
	ExpiresAt   time.Time        `json:"expires_at"`
	ExchangeURL string           `json:"exchange_url"`
	GatewayAuth GatewayAuthStart `json:"gateway_request"`
}

type GatewayAuthStart struct {
	RequestID   string    `json:"request_id"`
	State       string    `json:"state"`
	CallbackURL string    `json:"callback_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type AuthExchangeRequest struct {
	RequestID string `json:"request_id"`
	Token     string `json:"token"`
}

type LoginResponse struct {
	Token string    `json:"token"`
	User  AuthUser  `json:"user"`
	Until time.Time `json:"expires_at"`
}

type AuthUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type authClaims struct {
	Sub string `json:"sub"`
	Iss string `json:"iss"`
	Exp int64  `json:"exp"`
	Iat int64  `json:"iat"`
}

// AuthHandler owns the OpenClaw auth exchange: a pending auth request is
// created here, completed out-of-band by the gateway signing a cs_auth_
// token, and redeemed for a cs_sess_ session.
type AuthHandler struct {
	Users    *store.UserStore
	Requests *store.AuthRequestStore
	Sessions *store.SessionStore
}

func NewAuthHandler(db *sql.DB) *AuthHandler {
	return &AuthHandler{
		Users:    store.NewUserStore(db),
		Requests: store.NewAuthRequestStore(db),
		Sessions: store.NewSessionStore(db),
	}
}

// HandleLogin creates a pending auth request.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	state, err := generateRandomToken(24)
	if err != nil {
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create auth request"})
		return
	}

	expiresAt := time.Now().UTC().Add(authRequestTTL())
	requestID, err := h.Requests.Create(r.Context(), store.CreateAuthRequestInput{
		State:     state,
		ExpiresAt: expiresAt,
		RequestIP: requestIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create auth request"})
		return
	}

	exchangeURL := "/api/auth/exchange?request_id=" + requestID + "&token="
	callbackURL := strings.TrimSuffix(getPublicBaseURL(r), "/") + exchangeURL

	sendJSON(w, http.StatusOK, AuthRequestResponse{
		RequestID:   requestID,
		State:       state,
		ExpiresAt:   expiresAt,
		ExchangeURL: exchangeURL,
		GatewayAuth: GatewayAuthStart{
			RequestID:   requestID,
			State:       state,
			CallbackURL: callbackURL,
			ExpiresAt:   expiresAt,
		},
	})
}

// HandleExchange validates a signed token and mints a session.
func (h *AuthHandler) HandleExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		sendJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req AuthExchangeRequest
	if r.Method == http.MethodGet {
		req.RequestID = strings.TrimSpace(r.URL.Query().Get("request_id"))
		req.Token = strings.TrimSpace(r.URL.Query().Get("token"))
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Token = strings.TrimSpace(req.Token)

	if req.RequestID == "" {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "missing request_id"})
		return
	}
	if !uuidRegex.MatchString(req.RequestID) {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request_id"})
		return
	}
	if req.Token == "" {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "missing token"})
		return
	}

	authReq, err := h.Requests.Get(r.Context(), req.RequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "auth request not found"})
			return
		}
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load auth request"})
		return
	}

	if authReq.Status != store.AuthRequestStatusPending {
		sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "auth request not pending"})
		return
	}

	if time.Now().UTC().After(authReq.ExpiresAt) {
		_ = h.Requests.MarkExpired(r.Context(), authReq.ID)
		sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "auth request expired"})
		return
	}

	claims, err := validateSignedAuthToken(req.Token)
	if err != nil {
		sendJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
		return
	}

	user, err := h.Users.Upsert(r.Context(), claims.Iss, claims.Sub, claims.Sub)
	if err != nil {
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create user"})
		return
	}

	session, err := h.Sessions.Create(r.Context(), user.ID, sessionTTL())
	if err != nil {
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create session"})
		return
	}

	if err := h.Requests.MarkCompleted(r.Context(), authReq.ID); err != nil {
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to finalize auth request"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.Token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(time.Until(session.ExpiresAt).Seconds()),
	})

	w.Header().Set("X-Session-Expires-At", session.ExpiresAt.UTC().Format(time.RFC3339))
	sendJSON(w, http.StatusOK, LoginResponse{
		Token: session.Token,
		User: AuthUser{
			ID:    user.ID,
			Email: user.Email,
			Name:  user.DisplayName,
		},
		Until: session.ExpiresAt,
	})
}

// HandleLogout revokes the presented session token.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	token := sessionTokenFromRequest(r)
	if token == "" {
		sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing session token"})
		return
	}

	if err := h.Sessions.Revoke(r.Context(), token); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid session token"})
			return
		}
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to revoke session"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func sessionTokenFromRequest(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func validateSignedAuthToken(token string) (authClaims, error) {
	var claims authClaims
	secret := authSecret()
	if secret == "" {
		return claims, errors.New("auth secret not configured")
	}

	if !strings.HasPrefix(token, clawSuiteTokenPrefix) {
		return claims, errors.New("invalid token prefix")
	}

	raw := strings.TrimPrefix(token, clawSuiteTokenPrefix)
	parts := strings.Split(raw, ".")
	if len(parts) != 2 {
		return claims, errors.New("invalid token format")
	}

	payloadB64 := parts[0]
	signatureB64 := parts[1]

	payload, err := decodeBase64(payloadB64)
	if err != nil {
		return claims, errors.New("invalid token payload")
	}

	if err := json.Unmarshal(payload, &claims); err != nil {
		return claims, errors.New("invalid token payload")
	}

	if strings.TrimSpace(claims.Sub) == "" {
		return claims, errors.New("token missing subject")
	}

	if claims.Iss != authIssuer() {
		return claims, errors.New("invalid token issuer")
	}

	expectedSig := computeAuthSignature(payloadB64, secret)
	providedSig, err := decodeBase64(signatureB64)
	if err != nil || !hmac.Equal(expectedSig, providedSig) {
		return claims, errors.New("invalid token signature")
	}

	now := time.Now().UTC().Unix()
	if claims.Exp == 0 || now > claims.Exp+int64(clockSkewAllowance.Seconds()) {
		return claims, errors.New("token expired")
	}
	if claims.Iat == 0 || claims.Iat > now+int64(clockSkewAllowance.Seconds()) {
		return claims, errors.New("invalid token issued time")
	}

	return claims, nil
}

func computeAuthSignature(payloadB64, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty value")
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.URLEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("invalid base64")
}

func generateRandomToken(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("invalid length")
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func authSecret() string {
	return strings.TrimSpace(os.Getenv("CLAWSUITE_AUTH_SECRET"))
}

func authIssuer() string {
	if issuer := strings.TrimSpace(os.Getenv("CLAWSUITE_AUTH_ISSUER")); issuer != "" {
		return issuer
	}
	return "openclaw"
}

func authRequestTTL() time.Duration {
	if value := strings.TrimSpace(os.Getenv("CLAWSUITE_AUTH_TTL")); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultAuthTTL
}

func sessionTTL() time.Duration {
	if value := strings.TrimSpace(os.Getenv("CLAWSUITE_SESSION_TTL")); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultSessionTTL
}

func getPublicBaseURL(r *http.Request) string {
	if base := strings.TrimSpace(os.Getenv("CLAWSUITE_PUBLIC_BASE_URL")); base != "" {
		return base
	}
	if r != nil && r.Host != "" {
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		return scheme + "://" + r.Host
	}
	return "http://localhost:4300"
}

func requestIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
