package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/agrimarket-wallet/internal/key"
	"github.com/zjoart/agrimarket-wallet/internal/user"
	"github.com/zjoart/agrimarket-wallet/pkg/config"
	"github.com/zjoart/agrimarket-wallet/pkg/utils"
)

const testSecret = "test-secret"

type stubUsers map[string]*user.User

func (s stubUsers) FindByGoogleID(_ context.Context, googleID string) (*user.User, error) {
	for _, u := range s {
		if u.GoogleID == googleID {
			return u, nil
		}
	}
	return nil, user.ErrUserNotFound
}

func (s stubUsers) CreateUser(_ context.Context, u *user.User) error {
	u.ID = uuid.New()
	s[u.ID.String()] = u
	return nil
}

func (s stubUsers) FindByID(_ context.Context, id string) (*user.User, error) {
	if u, ok := s[id]; ok {
		return u, nil
	}
	return nil, user.ErrUserNotFound
}

type stubKeys map[string]*key.APIKey

func (s stubKeys) CountActiveKeys(context.Context, string) (int64, error) { return 0, nil }
func (s stubKeys) CreateKey(context.Context, *key.APIKey) error           { return nil }
func (s stubKeys) GetKey(context.Context, string, string) (*key.APIKey, error) {
	return nil, key.ErrKeyNotFound
}
func (s stubKeys) GetKeyByValue(context.Context, string, string) (*key.APIKey, error) {
	return nil, key.ErrKeyNotFound
}
func (s stubKeys) GetKeysByUserID(context.Context, string) ([]key.APIKey, error) { return nil, nil }
func (s stubKeys) RevokeKey(context.Context, string, string) error               { return nil }

func (s stubKeys) FindByKey(_ context.Context, value string) (*key.APIKey, error) {
	if k, ok := s[value]; ok {
		return k, nil
	}
	return nil, key.ErrKeyNotFound
}

// captured records what the middleware chain put into the request context.
type captured struct {
	user   user.User
	perms  []string
	method string
	called bool
}

func (c *captured) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.called = true
		c.user, _ = r.Context().Value(utils.UserKey).(user.User)
		c.perms, _ = r.Context().Value(utils.PermissionsKey).([]string)
		c.method, _ = r.Context().Value(utils.AuthMethodKey).(string)
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequirePermission(t *testing.T) {
	tests := []struct {
		name           string
		userPerms      []string
		requiredPerm   key.Permission
		expectedStatus int
	}{
		{
			name:           "JWT User (Wildcard) - Access Granted",
			userPerms:      []string{"*"},
			requiredPerm:   key.PermissionTransfer,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "API Key (Exact Match) - Access Granted",
			userPerms:      []string{"FUND"},
			requiredPerm:   key.PermissionFund,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "API Key (Superset) - Access Granted",
			userPerms:      []string{"READ", "TRANSFER"},
			requiredPerm:   key.PermissionTransfer,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "API Key (Missing Perm) - Access Denied",
			userPerms:      []string{"READ"},
			requiredPerm:   key.PermissionTransfer,
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "No Perms - Access Denied",
			userPerms:      []string{},
			requiredPerm:   key.PermissionRead,
			expectedStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			middleware := RequirePermission(tt.requiredPerm)(nextHandler)

			req := httptest.NewRequest("GET", "/", nil)
			ctx := context.WithValue(req.Context(), utils.PermissionsKey, tt.userPerms)
			req = req.WithContext(ctx)

			rr := httptest.NewRecorder()

			middleware.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

func TestJWTMiddleware(t *testing.T) {
	usr := &user.User{ID: uuid.New(), Role: user.RoleFarmer}
	users := stubUsers{usr.ID.String(): usr}
	cfg := config.Config{JWTSecret: testSecret}

	valid, _, err := IssueToken(testSecret, usr, time.Now())
	require.NoError(t, err)
	expired, _, err := IssueToken(testSecret, usr, time.Now().Add(-100*time.Hour))
	require.NoError(t, err)
	foreign, _, err := IssueToken("other-secret", usr, time.Now())
	require.NoError(t, err)
	ghost, _, err := IssueToken(testSecret, &user.User{ID: uuid.New()}, time.Now())
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{"valid header", "Bearer " + valid, "", http.StatusOK},
		{"valid query token", "", "?access_token=" + valid, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, "", http.StatusUnauthorized},
		{"unknown user", "Bearer " + ghost, "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &captured{}
			req := httptest.NewRequest("GET", "/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()

			JWTMiddleware(cfg, users)(c.handler()).ServeHTTP(rr, req)

			assert.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, usr.ID, c.user.ID)
				assert.Equal(t, []string{"*"}, c.perms)
				assert.Equal(t, utils.AuthMethodJWT, c.method)
			}
		})
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	usr := &user.User{ID: uuid.New(), Role: user.RoleBuyer}
	users := stubUsers{usr.ID.String(): usr}
	keys := stubKeys{
		"live":    {UserID: usr.ID, Permissions: pq.StringArray{"READ"}, ExpiresAt: time.Now().Add(time.Hour)},
		"revoked": {UserID: usr.ID, IsRevoked: true, ExpiresAt: time.Now().Add(time.Hour)},
		"expired": {UserID: usr.ID, ExpiresAt: time.Now().Add(-time.Hour)},
		"orphan":  {UserID: uuid.New(), ExpiresAt: time.Now().Add(time.Hour)},
	}

	tests := []struct {
		name   string
		value  string
		status int
	}{
		{"live", "live", http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"unknown", "nope", http.StatusUnauthorized},
		{"revoked", "revoked", http.StatusUnauthorized},
		{"expired", "expired", http.StatusUnauthorized},
		{"orphan", "orphan", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &captured{}
			req := httptest.NewRequest("GET", "/", nil)
			if tt.value != "" {
				req.Header.Set(apiKeyHeader, tt.value)
			}
			rr := httptest.NewRecorder()

			APIKeyMiddleware(keys, users)(c.handler()).ServeHTTP(rr, req)

			assert.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, []string{"READ"}, c.perms)
				assert.Equal(t, utils.AuthMethodAPIKey, c.method)
			}
		})
	}
}

func TestUnifiedAuthMiddleware_PrefersAPIKey(t *testing.T) {
	usr := &user.User{ID: uuid.New()}
	users := stubUsers{usr.ID.String(): usr}
	keys := stubKeys{"live": {UserID: usr.ID, Permissions: pq.StringArray{"FUND"}, ExpiresAt: time.Now().Add(time.Hour)}}
	token, _, err := IssueToken(testSecret, usr, time.Now())
	require.NoError(t, err)

	mw := UnifiedAuthMiddleware(config.Config{JWTSecret: testSecret}, users, keys)

	c := &captured{}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(apiKeyHeader, "live")
	req.Header.Set("Authorization", "Bearer "+token)
	mw(c.handler()).ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, utils.AuthMethodAPIKey, c.method)

	c = &captured{}
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	mw(c.handler()).ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, utils.AuthMethodJWT, c.method)
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name   string
		role   user.Role
		method string
		status int
	}{
		{"admin via jwt", user.RoleAdmin, utils.AuthMethodJWT, http.StatusOK},
		{"admin via api key", user.RoleAdmin, utils.AuthMethodAPIKey, http.StatusForbidden},
		{"farmer", user.RoleFarmer, utils.AuthMethodJWT, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &captured{}
			req := httptest.NewRequest("GET", "/", nil)
			ctx := withIdentity(req.Context(), user.User{ID: uuid.New(), Role: tt.role}, []string{"*"}, tt.method)
			rr := httptest.NewRecorder()

			RequireRole(user.RoleAdmin)(c.handler()).ServeHTTP(rr, req.WithContext(ctx))

			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.status == http.StatusOK, c.called)
		})
	}

	rr := httptest.NewRecorder()
	RequireRole(user.RoleAdmin)((&captured{}).handler()).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireAuthMethod(t *testing.T) {
	tests := []struct {
		name   string
		method string
		status int
	}{
		{"session token", utils.AuthMethodJWT, http.StatusOK},
		{"api key", utils.AuthMethodAPIKey, http.StatusForbidden},
		{"unauthenticated", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &captured{}
			req := httptest.NewRequest("POST", "/api/wallet", nil)
			if tt.method != "" {
				req = req.WithContext(withIdentity(req.Context(), user.User{ID: uuid.New()}, []string{"*"}, tt.method))
			}
			rr := httptest.NewRecorder()

			RequireAuthMethod(utils.AuthMethodJWT)(c.handler()).ServeHTTP(rr, req)

			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.status == http.StatusOK, c.called)
		})
	}
}

// A READ key must not reach the route that hands out the private key.
func TestUnifiedAuth_ReadKeyCannotCreateWallet(t *testing.T) {
	usr := &user.User{ID: uuid.New()}
	users := stubUsers{usr.ID.String(): usr}
	keys := stubKeys{"reader": {UserID: usr.ID, Permissions: pq.StringArray{string(key.PermissionRead)}, ExpiresAt: time.Now().Add(time.Hour)}}

	chain := UnifiedAuthMiddleware(config.Config{JWTSecret: testSecret}, users, keys)
	c := &captured{}
	req := httptest.NewRequest("POST", "/api/wallet", nil)
	req.Header.Set(apiKeyHeader, "reader")
	rr := httptest.NewRecorder()

	chain(RequireAuthMethod(utils.AuthMethodJWT)(c.handler())).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.False(t, c.called)
}

func TestOAuthState(t *testing.T) {
	state, err := newState(testSecret, user.RoleFarmer, time.Now())
	require.NoError(t, err)

	role, err := parseState(testSecret, state)
	require.NoError(t, err)
	assert.Equal(t, user.RoleFarmer, role)

	_, err = parseState("other", state)
	assert.ErrorIs(t, err, ErrInvalidState)

	stale, err := newState(testSecret, user.RoleBuyer, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = parseState(testSecret, stale)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestGoogleLogin_RedirectsWithSignedState(t *testing.T) {
	h := NewHandler(config.Config{JWTSecret: testSecret, GoogleClientID: "cid", Host: "https://wallet.example"}, stubUsers{})

	rr := httptest.NewRecorder()
	h.GoogleLogin(rr, httptest.NewRequest("GET", "/api/auth/google?role=admin", nil))

	require.Equal(t, http.StatusTemporaryRedirect, rr.Code)
	loc, err := rr.Result().Location()
	require.NoError(t, err)
	assert.Equal(t, "https://wallet.example/api/auth/google/callback", loc.Query().Get("redirect_uri"))

	role, err := parseState(testSecret, loc.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, user.RoleBuyer, role, "admin cannot be self-selected")
}

func TestGoogleCallback_RejectsBadState(t *testing.T) {
	h := NewHandler(config.Config{JWTSecret: testSecret}, stubUsers{})

	rr := httptest.NewRecorder()
	h.GoogleCallback(rr, httptest.NewRequest("GET", "/api/auth/google/callback?code=x&state=forged", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
