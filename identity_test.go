package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signedToken(t *testing.T, secret, subject, username string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject}
	if username != "" {
		claims["user_metadata"] = map[string]any{"username": username}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestAnonymousName(t *testing.T) {
	if got := anonymousName("abcdef123456"); got != "Player_abcdef" {
		t.Fatalf("anonymousName = %q, want Player_abcdef", got)
	}
	if got := anonymousName("abc"); got != "Player_abc" {
		t.Fatalf("anonymousName = %q, want Player_abc", got)
	}
}

func TestVerifyAccessToken(t *testing.T) {
	token := signedToken(t, testSecret, "auth-1", "kim")

	sub, username, err := verifyAccessToken(testSecret, token)
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
	if sub != "auth-1" || username != "kim" {
		t.Fatalf("got (%q, %q), want (auth-1, kim)", sub, username)
	}
}

func TestVerifyAccessTokenWrongSecret(t *testing.T) {
	token := signedToken(t, "other-secret", "auth-1", "kim")

	if _, _, err := verifyAccessToken(testSecret, token); err == nil {
		t.Fatal("token signed with the wrong secret accepted")
	}
}

func TestVerifyAccessTokenMissingSubject(t *testing.T) {
	token := signedToken(t, testSecret, "", "kim")

	if _, _, err := verifyAccessToken(testSecret, token); err == nil {
		t.Fatal("token without a subject accepted")
	}
}

func TestGetOrSetPlayerID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/trivia/ws", nil)

	id := getOrSetPlayerID(w, r)
	if len(id) != 32 {
		t.Fatalf("id length = %d, want 32 hex chars", len(id))
	}

	var assigned *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == playerCookieName {
			assigned = c
		}
	}
	if assigned == nil || assigned.Value != id {
		t.Fatal("player id cookie not set")
	}

	// A request carrying the cookie keeps its identity.
	r2 := httptest.NewRequest("GET", "/trivia/ws", nil)
	r2.AddCookie(&http.Cookie{Name: playerCookieName, Value: id})
	if again := getOrSetPlayerID(httptest.NewRecorder(), r2); again != id {
		t.Fatalf("returning cookie resolved to %q, want %q", again, id)
	}
}

func TestResolveIdentityAnonymous(t *testing.T) {
	cfg := testConfig()
	store := newMockStore()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/trivia/ws", nil)
	r.RemoteAddr = "10.0.0.1:1234"

	identity := resolveIdentity(cfg, store, w, r)

	if identity.Verified || identity.AuthInvalid {
		t.Fatalf("unexpected flags: %+v", identity)
	}
	if !strings.HasPrefix(identity.DisplayName, "Player_") {
		t.Fatalf("display name = %q, want Player_ prefix", identity.DisplayName)
	}
}

func TestResolveIdentityVerified(t *testing.T) {
	cfg := testConfig()
	cfg.jwtSecret = testSecret
	store := newMockStore()
	store.users["auth-1"] = &User{ID: "u1", AuthUserID: "auth-1", Username: "kim"}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/trivia/ws", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.AddCookie(&http.Cookie{Name: accessCookieName, Value: signedToken(t, testSecret, "auth-1", "kim")})

	identity := resolveIdentity(cfg, store, w, r)

	if !identity.Verified {
		t.Fatal("valid credential not verified")
	}
	if identity.ID != "u1" || identity.DisplayName != "kim" {
		t.Fatalf("resolved to %+v, want profile u1/kim", identity)
	}
}

func TestResolveIdentityBadTokenFallsBack(t *testing.T) {
	cfg := testConfig()
	cfg.jwtSecret = testSecret
	store := newMockStore()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/trivia/ws", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.AddCookie(&http.Cookie{Name: accessCookieName, Value: "not-a-token"})

	identity := resolveIdentity(cfg, store, w, r)

	if identity.Verified {
		t.Fatal("garbage credential verified")
	}
	if !identity.AuthInvalid {
		t.Fatal("bad credential not flagged")
	}
	if identity.ID == "" {
		t.Fatal("no anonymous fallback identity assigned")
	}
}

func TestResolveIdentityUnknownProfileFallsBack(t *testing.T) {
	cfg := testConfig()
	cfg.jwtSecret = testSecret
	store := newMockStore()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/trivia/ws", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.AddCookie(&http.Cookie{Name: accessCookieName, Value: signedToken(t, testSecret, "auth-9", "ghost")})

	identity := resolveIdentity(cfg, store, w, r)

	if identity.Verified {
		t.Fatal("credential without a profile verified")
	}
	if !identity.AuthInvalid {
		t.Fatal("missing profile not flagged")
	}
	if identity.DisplayName != "ghost" {
		t.Fatalf("display name = %q, want username carried from token", identity.DisplayName)
	}
}
