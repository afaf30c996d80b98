package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/zjoart/agrimarket-wallet/internal/key"
	"github.com/zjoart/agrimarket-wallet/internal/user"
	"github.com/zjoart/agrimarket-wallet/pkg/config"
	"github.com/zjoart/agrimarket-wallet/pkg/utils"
)

const apiKeyHeader = "x-api-key"

func JWTMiddleware(cfg config.Config, userRepo user.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authenticateJWT(cfg, userRepo, next, w, r)
		})
	}
}

func APIKeyMiddleware(keyRepo key.Repository, userRepo user.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authenticateAPIKey(keyRepo, userRepo, next, w, r)
		})
	}
}

// UnifiedAuthMiddleware accepts either an API key or a session token.
// An x-api-key header takes precedence.
func UnifiedAuthMiddleware(cfg config.Config, userRepo user.Repository, keyRepo key.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(apiKeyHeader) != "" {
				authenticateAPIKey(keyRepo, userRepo, next, w, r)
				return
			}
			authenticateJWT(cfg, userRepo, next, w, r)
		})
	}
}

func authenticateJWT(cfg config.Config, userRepo user.Repository, next http.Handler, w http.ResponseWriter, r *http.Request) {
	tokenString := bearerToken(r)
	if tokenString == "" {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Authorization required", nil)
		return
	}

	claims, err := ParseToken(cfg.JWTSecret, tokenString)
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Invalid token", nil)
		return
	}

	userIDStr, ok := claims[utils.UserIDKey].(string)
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Invalid user ID in token", nil)
		return
	}

	usr, err := userRepo.FindByID(r.Context(), userIDStr)
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "User not found", nil)
		return
	}

	next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), *usr, []string{"*"}, utils.AuthMethodJWT)))
}

func authenticateAPIKey(keyRepo key.Repository, userRepo user.Repository, next http.Handler, w http.ResponseWriter, r *http.Request) {
	value := r.Header.Get(apiKeyHeader)
	if value == "" {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "API Key required", nil)
		return
	}

	apiKey, err := keyRepo.FindByKey(r.Context(), value)
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Invalid API Key", nil)
		return
	}

	if apiKey.IsRevoked {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "API Key revoked", nil)
		return
	}

	if time.Now().After(apiKey.ExpiresAt) {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "API key has expired", nil)
		return
	}

	usr, err := userRepo.FindByID(r.Context(), apiKey.UserID.String())
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Associated user not found", nil)
		return
	}

	next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), *usr, []string(apiKey.Permissions), utils.AuthMethodAPIKey)))
}

func withIdentity(ctx context.Context, usr user.User, perms []string, method string) context.Context {
	ctx = context.WithValue(ctx, utils.UserKey, usr)
	ctx = context.WithValue(ctx, utils.PermissionsKey, perms)
	return context.WithValue(ctx, utils.AuthMethodKey, method)
}

func RequirePermission(perm key.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			perms, ok := r.Context().Value(utils.PermissionsKey).([]string)
			if !ok {
				utils.BuildErrorResponse(w, http.StatusForbidden, "Permissions not found", nil)
				return
			}

			hasPerm := false
			for _, p := range perms {
				if p == "*" || p == string(perm) {
					hasPerm = true
					break
				}
			}

			if !hasPerm {
				utils.BuildErrorResponse(w, http.StatusForbidden, "Insufficient permissions", nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuthMethod refuses requests authenticated any other way than
// method.
func RequireAuthMethod(method string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ := r.Context().Value(utils.AuthMethodKey).(string)
			if got != method {
				utils.BuildErrorResponse(w, http.StatusForbidden, "This action requires a signed-in session", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole only lets through users holding one of roles. API keys never
// carry administrative rights, so key-authenticated requests are refused
// whenever the admin role is required.
func RequireRole(roles ...user.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			usr, ok := r.Context().Value(utils.UserKey).(user.User)
			if !ok {
				utils.BuildErrorResponse(w, http.StatusUnauthorized, "Unauthorized", nil)
				return
			}

			method, _ := r.Context().Value(utils.AuthMethodKey).(string)
			for _, role := range roles {
				if usr.Role != role {
					continue
				}
				if role == user.RoleAdmin && method == utils.AuthMethodAPIKey {
					break
				}
				next.ServeHTTP(w, r)
				return
			}

			utils.BuildErrorResponse(w, http.StatusForbidden, "Insufficient role", nil)
		})
	}
}
