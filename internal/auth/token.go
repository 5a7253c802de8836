// Package auth mints and verifies player identity tokens. Account
// management lives elsewhere; this service only needs to know which
// identity is acting.
package auth

import (
	"crypto/ed25519"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	tokenTTL time.Duration
)

// Init generates a fresh ed25519 key pair and reads ARBITER_TOKEN_TTL
// (empty or "never" disables expiry). Tokens do not survive restarts;
// deployments that need that load keys with InitFromPath.
func Init() error {
	var err error
	publicKey, privateKey, err = ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return parseTTL()
}

// InitFromPath loads the key pair from files.
func InitFromPath(privatePath, publicPath string) error {
	priv, err := os.ReadFile(privatePath)
	if err != nil {
		return fmt.Errorf("failed to read private key file: %w", err)
	}
	pub, err := os.ReadFile(publicPath)
	if err != nil {
		return fmt.Errorf("failed to read public key file: %w", err)
	}
	privateKey = ed25519.PrivateKey(priv)
	publicKey = ed25519.PublicKey(pub)
	return parseTTL()
}

func parseTTL() error {
	raw := os.Getenv("ARBITER_TOKEN_TTL")
	if raw == "" || raw == "never" || raw == "0" {
		tokenTTL = 0
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("failed to parse ARBITER_TOKEN_TTL: %w", err)
	}
	tokenTTL = d
	return nil
}

// MintToken signs a token with "sub" = identity.
func MintToken(identity string) (string, error) {
	claims := jwt.MapClaims{"sub": identity}
	if tokenTTL > 0 {
		claims["exp"] = time.Now().Add(tokenTTL).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(privateKey)
}

// VerifyToken returns the identity a token was minted for.
func VerifyToken(tokenString string) (string, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return publicKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return "", fmt.Errorf("invalid token")
	}
	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid jwt claims")
	}
	identity, ok := claims["sub"].(string)
	if !ok {
		return "", fmt.Errorf("missing sub in jwt")
	}
	return identity, nil
}

// IdentityFromRequest resolves the acting identity from a bearer token or
// the auth_token cookie.
func IdentityFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		return VerifyToken(token)
	}
	cookie, err := r.Cookie("auth_token")
	if err != nil {
		return "", fmt.Errorf("no credentials presented")
	}
	return VerifyToken(cookie.Value)
}
