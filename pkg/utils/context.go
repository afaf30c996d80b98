package utils

type ContextKey string

const (
	UserKey        ContextKey = "user"
	PermissionsKey ContextKey = "permissions"
	AuthMethodKey  ContextKey = "auth_method"
	UserIDKey      string     = "user_id"
	RoleKey        string     = "role"
	ExpKey         string     = "exp"
)

const (
	AuthMethodJWT    = "jwt"
	AuthMethodAPIKey = "api_key"
)
