package auth

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningKey is one entry of the process-wide access-token keyring.
// The newest key signs; every listed key verifies, which gives a
// dual-key window during key rotation: tokens signed by the previous
// key stay valid until they expire on their own.
type SigningKey struct {
	Kid       string
	Secret    []byte
	ValidFrom time.Time
}

// ParseSigningKeys parses the configured keyring. Each entry is
// "kid:secret" or "kid:secret:rfc3339-validfrom", comma separated.
// The result is ordered newest first.
func ParseSigningKeys(raw string) ([]SigningKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("no signing keys configured")
	}
	var keys []SigningKey
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed signing key entry %q", entry)
		}
		key := SigningKey{Kid: parts[0], Secret: []byte(parts[1])}
		if len(parts) == 3 && parts[2] != "" {
			from, err := time.Parse(time.RFC3339, parts[2])
			if err != nil {
				return nil, fmt.Errorf("signing key %s: bad valid-from: %w", key.Kid, err)
			}
			key.ValidFrom = from
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no signing keys configured")
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return keys[i].ValidFrom.After(keys[j].ValidFrom)
	})
	return keys, nil
}

// Claims is the access-token claim set. Validity is purely a function of
// signature and expiry; accepting one never touches the store.
type Claims struct {
	Role      Role   `json:"role"`
	Username  string `json:"preferred_username,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

func (s *Service) signAccessToken(acc *Account, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	claims := Claims{
		Role:      acc.Role,
		Username:  acc.Username,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   acc.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = s.keys[0].Kid
	signed, err := token.SignedString(s.keys[0].Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

func (s *Service) verifyAccessToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		if kid, ok := t.Header["kid"].(string); ok && kid != "" {
			for _, key := range s.keys {
				if key.Kid == kid {
					return key.Secret, nil
				}
			}
			return nil, ErrInvalidToken
		}
		return s.keys[0].Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != "access" {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
