package security

import "time"

// TokenClaims is the verified subset of an auth-service access token.
type TokenClaims struct {
	UserID  string
	Role    string
	Ver     int64
	Exp     time.Time
	Issuer  string
	Subject string
}

func (c TokenClaims) IsAdmin() bool { return c.Role == RoleAdmin }
