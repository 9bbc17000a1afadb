package domain

import (
	"strings"

	"github.com/google/uuid"
)

// IdentityKind discriminates the two identity spaces that own balances.
type IdentityKind string

const (
	KindAnonymous IdentityKind = "device"
	KindAccount   IdentityKind = "account"
)

const maxDeviceIDLen = 128

// Identity is either an anonymous device token or an authenticated account id.
// Exactly one balance row is keyed by Identity.Key().
type Identity struct {
	Kind IdentityKind
	ID   string
}

func AnonymousDevice(deviceID string) Identity {
	return Identity{Kind: KindAnonymous, ID: strings.TrimSpace(deviceID)}
}

func AuthenticatedAccount(accountID uuid.UUID) Identity {
	return Identity{Kind: KindAccount, ID: accountID.String()}
}

func (i Identity) IsZero() bool { return i.ID == "" }

func (i Identity) IsAccount() bool { return i.Kind == KindAccount }

// Key is the canonical storage key: "device:<id>" or "account:<uuid>".
func (i Identity) Key() string {
	return string(i.Kind) + ":" + i.ID
}

func (i Identity) String() string { return i.Key() }

// Validate checks the id shape for its kind.
func (i Identity) Validate() error {
	switch i.Kind {
	case KindAccount:
		if _, err := uuid.Parse(i.ID); err != nil {
			return ErrInvalidIdentity
		}
		return nil
	case KindAnonymous:
		if !ValidDeviceID(i.ID) {
			return ErrInvalidIdentity
		}
		return nil
	default:
		return ErrInvalidIdentity
	}
}

// ValidDeviceID accepts opaque client tokens of 1..128 chars from [A-Za-z0-9_-].
func ValidDeviceID(s string) bool {
	if s == "" || len(s) > maxDeviceIDLen {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// ParseIdentityKey is the inverse of Identity.Key.
func ParseIdentityKey(key string) (Identity, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok {
		return Identity{}, ErrInvalidIdentity
	}
	ident := Identity{Kind: IdentityKind(kind), ID: id}
	if err := ident.Validate(); err != nil {
		return Identity{}, err
	}
	if ident.Kind == KindAccount {
		// normalise uuid casing so keys compare equal
		u, _ := uuid.Parse(id)
		ident.ID = u.String()
	}
	return ident, nil
}
