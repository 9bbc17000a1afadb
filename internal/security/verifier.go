package security

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type AccessTokenVerifier interface {
	VerifyAccessToken(token string) (TokenClaims, error)
}
