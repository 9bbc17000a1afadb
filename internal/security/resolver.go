package security

import (
	"strings"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/google/uuid"
)

// Principal is the outcome of identity resolution for one request.
type Principal struct {
	Identity domain.Identity
	// DeviceID is the valid device token sent with the request, even when the
	// account won. Merge uses it.
	DeviceID string
	Role     string
}

func (p Principal) IsAdmin() bool { return p.Identity.IsAccount() && p.Role == RoleAdmin }

// Resolver picks the identity that owns the balance for a request.
// A verified account token wins; otherwise the device id is used.
type Resolver struct {
	verifier AccessTokenVerifier
}

func NewResolver(v AccessTokenVerifier) *Resolver {
	if v == nil {
		panic("security.NewResolver: nil verifier")
	}
	return &Resolver{verifier: v}
}

// Resolve never lets an invalid token block an anonymous caller: when the token
// fails and a usable device id is present the device identity is returned.
func (r *Resolver) Resolve(bearer, deviceID string) (Principal, error) {
	bearer = strings.TrimSpace(bearer)
	deviceID = strings.TrimSpace(deviceID)

	dev := ""
	if domain.ValidDeviceID(deviceID) {
		dev = deviceID
	}

	if bearer != "" {
		p, err := r.fromToken(bearer)
		if err == nil {
			p.DeviceID = dev
			return p, nil
		}
		if dev == "" {
			return Principal{}, err
		}
	}

	if dev == "" {
		if deviceID != "" {
			return Principal{}, domain.ErrInvalidIdentity
		}
		return Principal{}, domain.ErrNoIdentity
	}
	return Principal{Identity: domain.AnonymousDevice(dev), DeviceID: dev}, nil
}

func (r *Resolver) fromToken(raw string) (Principal, error) {
	claims, err := r.verifier.VerifyAccessToken(raw)
	if err != nil {
		return Principal{}, err
	}
	uid, err := uuid.Parse(strings.TrimSpace(claims.UserID))
	if err != nil {
		return Principal{}, ErrTokenInvalid
	}
	return Principal{
		Identity: domain.AuthenticatedAccount(uid),
		Role:     strings.TrimSpace(claims.Role),
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
// It returns "" for anything that is not a Bearer credential.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
