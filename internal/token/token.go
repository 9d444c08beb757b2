// Package token validates gateway bearer tokens. A token is three dot-separated segments: the base64 user id, an
// opaque payload (the issuing service embeds a timestamp there), and an HMAC-SHA256 signature over the first two
// segments keyed by the user's stored password hash. The gateway never issues tokens; it only verifies them.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidToken is returned for every validation failure: malformed segments, unknown user, or signature mismatch.
// Callers map it to close code 4005. Collapsing the failure modes keeps the close reason from leaking which part of
// the token was wrong.
var ErrInvalidToken = errors.New("invalid token")

// KeyLookup returns the HMAC key for a user: the stored password hash. Implementations return store.ErrNotFound (or
// any error) for unknown users; the distinction is erased here.
type KeyLookup func(ctx context.Context, userID uint64) (string, error)

// Validate checks a bearer token and returns the authenticated user id.
func Validate(ctx context.Context, tok string, lookup KeyLookup) (uint64, error) {
	parts := strings.SplitN(tok, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return 0, ErrInvalidToken
	}

	rawID, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return 0, ErrInvalidToken
	}
	userID, err := strconv.ParseUint(string(rawID), 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}

	key, err := lookup(ctx, userID)
	if err != nil {
		return 0, ErrInvalidToken
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return 0, ErrInvalidToken
	}

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(parts[0] + "." + parts[1]))

	if !hmac.Equal(sig, mac.Sum(nil)) {
		return 0, ErrInvalidToken
	}

	return userID, nil
}

// Sign builds a token for the given user, payload, and key. The gateway itself never calls this; it exists for tests
// and local tooling that need a token the validator accepts.
func Sign(userID uint64, payload, key string) string {
	id := base64.StdEncoding.EncodeToString([]byte(strconv.FormatUint(userID, 10)))
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(id + "." + payload))
	return id + "." + payload + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
