package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"authgate/internal/observability"
	"authgate/internal/session"
)

type contextKey string

const (
	userIDKey    contextKey = "auth.user_id"
	sessionIDKey contextKey = "auth.session_id"
)

func UserIDFrom(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(userIDKey).(string)
	return value, ok && value != ""
}

func SessionIDFrom(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(sessionIDKey).(string)
	return value, ok && value != ""
}

// Middleware authenticates requests with a bearer access token. The token
// binds a session id, which is validated against the session manager with
// the presenting device so a stolen token on a different device fails.
func Middleware(jwtSecret string, service *Service, next http.Handler) http.Handler {
	secret := []byte(jwtSecret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		tokenStr := strings.TrimSpace(parts[1])
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "invalid authorization token")
			return
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if tokenType, _ := claims["typ"].(string); tokenType != "access" {
			writeError(w, http.StatusUnauthorized, "invalid token type")
			return
		}

		userID, _ := claims["sub"].(string)
		sessionID, _ := claims["sid"].(string)
		if userID == "" || sessionID == "" {
			writeError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}

		ok, err := service.ValidateSession(r.Context(), sessionID, session.DeviceInfo{
			UserAgent: r.UserAgent(),
			IPAddress: observability.ClientIP(r),
		})
		if err != nil {
			writeAuthError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "session is no longer valid")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, sessionIDKey, sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
