package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zjoart/agrimarket-wallet/internal/user"
	"github.com/zjoart/agrimarket-wallet/pkg/config"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
	"github.com/zjoart/agrimarket-wallet/pkg/utils"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

type Handler struct {
	Config       config.Config
	UserRepo     user.Repository
	OAuth2Config *oauth2.Config
}

func NewHandler(cfg config.Config, userRepo user.Repository) *Handler {
	redirectURL := fmt.Sprintf("%s/api/auth/google/callback", cfg.Host)
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint:     google.Endpoint,
	}
	return &Handler{Config: cfg, UserRepo: userRepo, OAuth2Config: oauth2Config}
}

// GoogleLogin redirects to Google. ?role=farmer|buyer picks the role a new
// account signs up with.
func (h *Handler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := newState(h.Config.JWTSecret, user.ParseRole(r.URL.Query().Get("role")), time.Now())
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to start login", nil)
		return
	}

	url := h.OAuth2Config.AuthCodeURL(state, oauth2.AccessTypeOffline)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

func (h *Handler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	role, err := parseState(h.Config.JWTSecret, r.URL.Query().Get("state"))
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid state", nil)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Code not found", nil)
		return
	}

	token, err := h.OAuth2Config.Exchange(r.Context(), code)
	if err != nil {
		logger.Warn("OAuth code exchange failed", logger.Fields{"error": err.Error()})
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to exchange token", nil)
		return
	}

	idToken, ok := token.Extra("id_token").(string)
	if !ok {
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "No id_token field in oauth2 token", nil)
		return
	}

	payload, err := idtoken.Validate(r.Context(), idToken, h.Config.GoogleClientID)
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to validate ID token", nil)
		return
	}

	email, _ := payload.Claims["email"].(string)
	name, _ := payload.Claims["name"].(string)

	usr, err := h.findOrCreate(r, payload.Subject, email, name, role)
	if err != nil {
		logger.Error("Failed to resolve user", logger.Fields{"error": err.Error()})
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to create user", nil)
		return
	}

	tokenString, expiresAt, err := IssueToken(h.Config.JWTSecret, usr, time.Now())
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to generate token", nil)
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Login successful", map[string]interface{}{
		"token":      tokenString,
		"expires_at": expiresAt,
		"user":       usr,
	})
}

func (h *Handler) findOrCreate(r *http.Request, googleID, email, name string, role user.Role) (*user.User, error) {
	usr, err := h.UserRepo.FindByGoogleID(r.Context(), googleID)
	if err == nil {
		return usr, nil
	}
	if !errors.Is(err, user.ErrUserNotFound) {
		return nil, err
	}

	usr = &user.User{
		Name:     name,
		Email:    email,
		GoogleID: googleID,
		Role:     role,
	}
	if err := h.UserRepo.CreateUser(r.Context(), usr); err != nil {
		return nil, err
	}

	logger.Info("User registered", logger.Fields{logger.UserIdKey: usr.ID.String(), "role": usr.Role})
	return usr, nil
}
