package ports

import "time"

type AdminClaims struct {
	Subject   string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	KeyID     string
}

// AdminTokenVerifier validates bearer tokens for administrative endpoints.
type AdminTokenVerifier interface {
	ParseAndValidate(raw string) (AdminClaims, error)
}
