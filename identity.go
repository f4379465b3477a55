package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	playerCookieName = "triviabox_id"
	accessCookieName = "tb_at"
)

// Identity is the resolved, possibly-anonymous participant behind a
// connection. Immutable for the connection's lifetime.
type Identity struct {
	ID          string
	DisplayName string
	Verified    bool

	// AuthInvalid is set when credential material was present but failed
	// verification; the connection proceeds anonymously and the client is
	// warned rather than disconnected.
	AuthInvalid bool
}

func anonymousName(id string) string {
	if len(id) > 6 {
		id = id[:6]
	}
	return "Player_" + id
}

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// resolveIdentity turns the upgrade request's cookies into an Identity.
// A verifying access token resolves to the durable profile behind it;
// anything else falls back to the anonymous cookie identity. Verification
// failures never abort connection setup.
func resolveIdentity(cfg *Config, store triviaStore, w http.ResponseWriter, r *http.Request) Identity {
	anonID := getOrSetPlayerID(w, r)
	anon := Identity{
		ID:          anonID,
		DisplayName: anonymousName(anonID),
	}

	c, err := r.Cookie(accessCookieName)
	if err != nil || c.Value == "" {
		return anon
	}

	if cfg.jwtSecret == "" {
		logf(cfg, "AUTH: Access token presented but no --jwt-secret configured")
		anon.AuthInvalid = true
		return anon
	}

	authUserID, username, err := verifyAccessToken(cfg.jwtSecret, c.Value)
	if err != nil {
		logf(cfg, "AUTH: Token verification failed for %s: %v", realIP(r), err)
		anon.AuthInvalid = true
		return anon
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	user, err := store.UserByAuthID(ctx, authUserID)
	if err != nil {
		logf(cfg, "AUTH: Profile lookup failed for %s: %v", authUserID, err)
		anon.AuthInvalid = true
		if username != "" {
			anon.DisplayName = username
		}
		return anon
	}

	return Identity{
		ID:          user.ID,
		DisplayName: user.Username,
		Verified:    true,
	}
}

// verifyAccessToken checks the HS256 signature and returns the subject
// plus any username carried in the token's user metadata.
func verifyAccessToken(secret, token string) (authUserID, username string, err error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", "", err
	}
	if !parsed.Valid {
		return "", "", errors.New("invalid token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", "", errors.New("token missing subject")
	}

	if meta, ok := claims["user_metadata"].(map[string]any); ok {
		username, _ = meta["username"].(string)
	}

	return sub, username, nil
}
