package common

import "github.com/golang-jwt/jwt/v5"

// Claims represents the custom claims carried by access tokens issued by the
// finance tracker's auth service.
type Claims struct {
	UserID               string `json:"uid"`           // Owner of the data being exported or imported.
	Username             string `json:"usr,omitempty"` // Username at issue time.
	Email                string `json:"eml,omitempty"` // Email at issue time.
	Role                 string `json:"rol,omitempty"` // User role (e.g., 'user', 'admin').
	jwt.RegisteredClaims        // Embed standard claims (ExpiresAt, IssuedAt, Subject, etc.).
}

// Response represents a generic API response for success or error messages.
type Response struct {
	Success bool   `json:"success" example:"true"`
	Message string `json:"message,omitempty" example:"Operation successful"`
	Error   string `json:"error,omitempty" example:"Resource not found"`
}
