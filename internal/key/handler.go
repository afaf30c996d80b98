package key

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/zjoart/agrimarket-wallet/internal/user"
	"github.com/zjoart/agrimarket-wallet/pkg/config"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
	"github.com/zjoart/agrimarket-wallet/pkg/utils"
)

const keyPrefix = "agw_live_"

type Handler struct {
	Config config.Config
	Repo   Repository
}

func NewHandler(cfg config.Config, repo Repository) *Handler {
	return &Handler{Config: cfg, Repo: repo}
}

type CreateKeyRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	Expiry      string   `json:"expiry"`
}

type RolloverKeyRequest struct {
	ExpiredKeyID string `json:"expired_key_id"`
	Expiry       string `json:"expiry"`
}

type RevokeKeyRequest struct {
	KeyID string `json:"key_id"`
}

type keyResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MaskedKey   string    `json:"masked_key"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
	IsRevoked   bool      `json:"is_revoked"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	usr, ok := r.Context().Value(utils.UserKey).(user.User)
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	var req CreateKeyRequest
	if status, err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, "Invalid request body", map[string]string{"error": err.Error()})
		return
	}

	validPerms, err := validatePermissions(req.Permissions)
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	expiresAt, err := parseExpiry(req.Expiry, time.Now())
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid expiry format. Use 1H, 1D, 1M, 1Y", nil)
		return
	}

	if !h.underKeyLimit(w, r, usr) {
		return
	}

	h.issue(w, r, usr, req.Name, validPerms, expiresAt, "API Key created, This key will only be shown once. Please save it securely.")
}

func (h *Handler) RolloverAPIKey(w http.ResponseWriter, r *http.Request) {
	usr, ok := r.Context().Value(utils.UserKey).(user.User)
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	var req RolloverKeyRequest
	if status, err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, "Invalid request body", map[string]string{"error": err.Error()})
		return
	}

	oldKey, err := h.Repo.GetKeyByValue(r.Context(), req.ExpiredKeyID, usr.ID.String())
	if err != nil {
		oldKey, err = h.Repo.GetKey(r.Context(), req.ExpiredKeyID, usr.ID.String())
		if err != nil {
			utils.BuildErrorResponse(w, http.StatusNotFound, "Expired key not found", nil)
			return
		}
	}

	if oldKey.IsRevoked {
		utils.BuildErrorResponse(w, http.StatusForbidden, "Key has been revoked", nil)
		return
	}

	if time.Now().Before(oldKey.ExpiresAt) {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Key is not expired yet", nil)
		return
	}

	expiresAt, err := parseExpiry(req.Expiry, time.Now())
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid expiry format", nil)
		return
	}

	if !h.underKeyLimit(w, r, usr) {
		return
	}

	h.issue(w, r, usr, oldKey.Name, oldKey.Permissions, expiresAt, "API Key rolled over, This key will only be shown once. Please save it securely.")
}

func (h *Handler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	usr, ok := r.Context().Value(utils.UserKey).(user.User)
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	var req RevokeKeyRequest
	if status, err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, "Invalid request body", map[string]string{"error": err.Error()})
		return
	}

	if err := h.Repo.RevokeKey(r.Context(), req.KeyID, usr.ID.String()); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			utils.BuildErrorResponse(w, http.StatusNotFound, "Key not found", nil)
		} else {
			utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to revoke key", nil)
		}
		return
	}

	logger.Info("API key revoked", logger.Fields{logger.UserIdKey: usr.ID.String(), "key_id": req.KeyID})
	utils.BuildSuccessResponse(w, http.StatusOK, "API Key revoked successfully", nil)
}

func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	usr, ok := r.Context().Value(utils.UserKey).(user.User)
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	keys, err := h.Repo.GetKeysByUserID(r.Context(), usr.ID.String())
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to fetch keys", nil)
		return
	}

	safeKeys := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		safeKeys = append(safeKeys, keyResponse{
			ID:          k.ID.String(),
			Name:        k.Name,
			MaskedKey:   k.MaskedKey,
			Permissions: k.Permissions,
			ExpiresAt:   k.ExpiresAt,
			IsRevoked:   k.IsRevoked,
			CreatedAt:   k.CreatedAt,
		})
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "API Keys retrieved", safeKeys)
}

func (h *Handler) underKeyLimit(w http.ResponseWriter, r *http.Request, usr user.User) bool {
	count, err := h.Repo.CountActiveKeys(r.Context(), usr.ID.String())
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to count keys", nil)
		return false
	}
	if count >= int64(h.Config.MaxActiveKeys) {
		utils.BuildErrorResponse(w, http.StatusForbidden, fmt.Sprintf("Maximum of %d active keys allowed", h.Config.MaxActiveKeys), nil)
		return false
	}
	return true
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, usr user.User, name string, perms []string, expiresAt time.Time, message string) {
	keyString, err := generateSecureKey()
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to generate key", nil)
		return
	}

	apiKey := APIKey{
		UserID:      usr.ID,
		Name:        name,
		Key:         hashKey(keyString),
		MaskedKey:   maskKey(keyString),
		Permissions: pq.StringArray(perms),
		ExpiresAt:   expiresAt,
	}

	if err := h.Repo.CreateKey(r.Context(), &apiKey); err != nil {
		logger.Error("Failed to store API key", logger.Fields{logger.UserIdKey: usr.ID.String(), "error": err.Error()})
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to create API key", nil)
		return
	}

	utils.BuildSuccessResponse(w, http.StatusCreated, message, map[string]interface{}{
		"api_key":     keyString,
		"masked_key":  apiKey.MaskedKey,
		"permissions": perms,
		"expires_at":  apiKey.ExpiresAt,
	})
}

func parseExpiry(expiry string, now time.Time) (time.Time, error) {
	switch strings.ToUpper(expiry) {
	case "1H":
		return now.Add(time.Hour), nil
	case "1D":
		return now.Add(24 * time.Hour), nil
	case "1M":
		return now.AddDate(0, 1, 0), nil
	case "1Y":
		return now.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("invalid format")
	}
}

func generateSecureKey() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return keyPrefix + hex.EncodeToString(bytes), nil
}

func validatePermissions(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return nil, fmt.Errorf("at least one permission is required")
	}

	seen := make(map[Permission]bool, len(requested))
	normalized := make([]string, 0, len(requested))
	for _, p := range requested {
		perm := Permission(strings.ToUpper(strings.TrimSpace(p)))
		if !isAllowed(perm) {
			return nil, fmt.Errorf("invalid permission: %s", p)
		}
		if seen[perm] {
			continue
		}
		seen[perm] = true
		normalized = append(normalized, string(perm))
	}
	return normalized, nil
}

func isAllowed(p Permission) bool {
	for _, allowed := range AllowedPermissions {
		if p == allowed {
			return true
		}
	}
	return false
}

func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:len(keyPrefix)] + "..." + key[len(key)-4:]
}
