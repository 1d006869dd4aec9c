package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const (
	testSecret = "validator-test-secret"
	testIssuer = "tessella-auth"
)

func newTestValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        testIssuer,
		CookieName:    "tessella_session",
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func newTestIssuer(secret string) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
}

func TestValidateTokenRoundTrip(t *testing.T) {
	validator := newTestValidator(t)
	token, expiresIn, err := newTestIssuer(testSecret).IssueSessionToken("alice", "Alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.UserID != "alice" {
		t.Fatalf("unexpected user id %q", claims.UserID)
	}
	if claims.UserDisplayName != "Alice" {
		t.Fatalf("unexpected display name %q", claims.UserDisplayName)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	validator := newTestValidator(t)
	token, _, err := newTestIssuer("some-other-secret").IssueSessionToken("alice", "Alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	validator := newTestValidator(t)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        "someone-else",
		TokenTTL:      time.Hour,
	})
	token, _, err := issuer.IssueSessionToken("alice", "Alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for wrong issuer, got %v", err)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	issuedAt := time.Unix(1700000000, 0).UTC()
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return issuedAt },
	})
	token, _, err := issuer.IssueSessionToken("alice", "Alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        testIssuer,
		Clock:         func() time.Time { return issuedAt.Add(time.Hour) },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestValidateRequestTokenSources(t *testing.T) {
	validator := newTestValidator(t)
	token, _, err := newTestIssuer(testSecret).IssueSessionToken("alice", "Alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	// bearer header.
	request := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	if _, err := validator.ValidateRequest(request); err != nil {
		t.Fatalf("bearer validation failed: %v", err)
	}

	// session cookie.
	request = httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	request.AddCookie(&http.Cookie{Name: "tessella_session", Value: token})
	if _, err := validator.ValidateRequest(request); err != nil {
		t.Fatalf("cookie validation failed: %v", err)
	}

	// query parameter, used by websocket clients that cannot set headers.
	request = httptest.NewRequest(http.MethodGet, "/ws?token="+token, http.NoBody)
	if _, err := validator.ValidateRequest(request); err != nil {
		t.Fatalf("query validation failed: %v", err)
	}

	request = httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}
