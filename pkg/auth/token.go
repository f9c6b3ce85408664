// Package auth generates daemon tokens and verifies them with Argon2id.
//
// The daemon is configured with the hash only (EXAI_AUTH_TOKEN_HASH); the
// plaintext token is printed once by `exai-daemon setup` and handed to MCP
// clients, which present it in their hello frame.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// TokenPrefix marks daemon tokens so they are recognisable in config files.
const TokenPrefix = "exai_"

// GeneratedToken holds a new plaintext token and its Argon2id hash.
type GeneratedToken struct {
	Token string // show once, then discard
	Hash  string // store in EXAI_AUTH_TOKEN_HASH
}

// GenerateToken creates a token from 32 random bytes (base64url, no padding)
// and hashes it.
func GenerateToken() (*GeneratedToken, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	token := TokenPrefix + base64.RawURLEncoding.EncodeToString(secret)

	hash, err := HashKey(token)
	if err != nil {
		return nil, fmt.Errorf("hashing token: %w", err)
	}
	return &GeneratedToken{Token: token, Hash: hash}, nil
}
