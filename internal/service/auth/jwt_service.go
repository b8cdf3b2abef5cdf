package auth

import (
	"context"
	"time"
)

// JWTService issues and verifies the access tokens that identify the user
// behind an enqueue request.
type JWTService interface {
	// GenerateToken creates a signed JWT access token for the user.
	GenerateToken(ctx context.Context, userID string) (string, error)

	// ValidateToken validates the provided access token string and extracts the claims.
	// Returns the claims containing user information if the token is valid,
	// or an error if validation fails (expired, invalid signature, etc.).
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims represents the verified identity carried by a token.
type Claims struct {
	// UserID is the opaque identifier of the user the token was issued for.
	// It is attached to tasks, progress events and stored recipes.
	UserID string `json:"uid,omitempty"`

	Subject   string    `json:"sub,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}
