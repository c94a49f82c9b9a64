package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/princekumarofficial/uploads-service/internal/types"
	"github.com/princekumarofficial/uploads-service/internal/utils/jwt"
	"github.com/princekumarofficial/uploads-service/internal/utils/response"
)

type contextKey string

const (
	UserIDKey contextKey = "userID"
	CallerKey contextKey = "caller"
)

// AuthMiddleware creates a middleware that validates JWT tokens and puts the
// caller identity in the request context
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.WriteJSON(w, http.StatusUnauthorized, response.GeneralError(
					errors.New("Authorization header required")))
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				response.WriteJSON(w, http.StatusUnauthorized, response.GeneralError(
					errors.New("Invalid authorization header format")))
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == "" {
				response.WriteJSON(w, http.StatusUnauthorized, response.GeneralError(
					errors.New("Token not provided")))
				return
			}

			claims, err := jwt.ParseToken(token, jwtSecret)
			if err != nil {
				response.WriteJSON(w, http.StatusUnauthorized, response.GeneralError(
					errors.New("Invalid token")))
				return
			}

			caller := types.Caller{UserID: claims.Subject, Admin: claims.Role == jwt.RoleAdmin}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// RequireAdmin rejects callers without the admin role. It must run after
// AuthMiddleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCallerFromContext(r.Context())
		if !ok || !caller.Admin {
			response.WriteJSON(w, http.StatusForbidden, response.KindError("forbidden", types.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithCaller stores caller in ctx
func WithCaller(ctx context.Context, caller types.Caller) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, caller.UserID)
	return context.WithValue(ctx, CallerKey, caller)
}

// GetUserIDFromContext extracts the user ID from the request context
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

func GetCallerFromContext(ctx context.Context) (types.Caller, bool) {
	caller, ok := ctx.Value(CallerKey).(types.Caller)
	return caller, ok
}
