package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseSigningKeys(t *testing.T) {
	keys, err := ParseSigningKeys("old:secret-old:2024-01-01T00:00:00Z, new:secret-new:2025-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("ParseSigningKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys", len(keys))
	}
	// Newest first: the head of the ring signs.
	if keys[0].Kid != "new" || keys[1].Kid != "old" {
		t.Fatalf("unexpected order: %s, %s", keys[0].Kid, keys[1].Kid)
	}
	if string(keys[0].Secret) != "secret-new" {
		t.Fatalf("unexpected secret for %s", keys[0].Kid)
	}

	if _, err := ParseSigningKeys(""); err == nil {
		t.Fatal("empty keyring accepted")
	}
	if _, err := ParseSigningKeys("nocolon"); err == nil {
		t.Fatal("malformed entry accepted")
	}
	if _, err := ParseSigningKeys("kid:secret:not-a-time"); err == nil {
		t.Fatal("bad valid-from accepted")
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, newMemStore(), clock)
	acc := &Account{ID: "acc-1", Username: "ada", Role: RoleTeacher}

	token, exp, err := svc.signAccessToken(acc, clock.Now())
	if err != nil {
		t.Fatalf("signAccessToken: %v", err)
	}
	if !exp.Equal(clock.Now().Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", exp)
	}

	claims, err := svc.verifyAccessToken(token)
	if err != nil {
		t.Fatalf("verifyAccessToken: %v", err)
	}
	if claims.Subject != "acc-1" || claims.Role != RoleTeacher || claims.Username != "ada" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestAccessTokenDualKeyWindow(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()

	oldKey := SigningKey{Kid: "k-old", Secret: []byte("old-secret")}
	newKey := SigningKey{Kid: "k-new", Secret: []byte("new-secret")}

	oldSvc, err := NewService(store, []SigningKey{oldKey}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	acc := &Account{ID: "acc-1", Username: "ada", Role: RoleStudent}
	token, _, err := oldSvc.signAccessToken(acc, clock.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// After rotation the new key signs but the old one still verifies.
	rotated, err := NewService(store, []SigningKey{newKey, oldKey}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := rotated.verifyAccessToken(token); err != nil {
		t.Fatalf("token from previous key rejected: %v", err)
	}

	// Once the old key leaves the ring its tokens die.
	retired, err := NewService(store, []SigningKey{newKey}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := retired.verifyAccessToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}

func TestAccessTokenTampered(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, newMemStore(), clock)
	acc := &Account{ID: "acc-1", Username: "ada", Role: RoleAdmin}
	token, _, err := svc.signAccessToken(acc, clock.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, err := svc.verifyAccessToken(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
	if _, err := svc.Authenticate(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token: want ErrInvalidToken, got %v", err)
	}
}

func TestAccessTokenExpiry(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, newMemStore(), clock)
	acc := &Account{ID: "acc-1", Username: "ada", Role: RoleAdmin}
	token, _, err := svc.signAccessToken(acc, clock.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	clock.Advance(16 * time.Minute)
	if _, err := svc.verifyAccessToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestAccessTokenRejectsForeignClaims(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, newMemStore(), clock)

	sign := func(claims Claims) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tok.Header["kid"] = testKeys[0].Kid
		signed, err := tok.SignedString(testKeys[0].Secret)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return signed
	}

	base := jwt.RegisteredClaims{
		Issuer:    "aulagate",
		Subject:   "acc-1",
		IssuedAt:  jwt.NewNumericDate(clock.Now()),
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(10 * time.Minute)),
	}

	// Wrong token_type: a refresh-shaped JWT must not pass as access.
	bad := sign(Claims{Role: RoleAdmin, TokenType: "refresh", RegisteredClaims: base})
	if _, err := svc.verifyAccessToken(bad); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong token_type accepted: %v", err)
	}

	// Unknown role.
	bad = sign(Claims{Role: Role("superuser"), TokenType: "access", RegisteredClaims: base})
	if _, err := svc.verifyAccessToken(bad); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unknown role accepted: %v", err)
	}

	// Wrong issuer.
	foreign := base
	foreign.Issuer = "someone-else"
	bad = sign(Claims{Role: RoleAdmin, TokenType: "access", RegisteredClaims: foreign})
	if _, err := svc.verifyAccessToken(bad); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong issuer accepted: %v", err)
	}
}
