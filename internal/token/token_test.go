package token

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func lookupFixed(key string) KeyLookup {
	return func(context.Context, uint64) (string, error) { return key, nil }
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tok := Sign(1234, "MTY1MjY0", "argon2-hash-of-password")

	userID, err := Validate(context.Background(), tok, lookupFixed("argon2-hash-of-password"))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if userID != 1234 {
		t.Errorf("userID = %d, want 1234", userID)
	}
}

func TestValidateRejectsBadSignature(t *testing.T) {
	t.Parallel()

	tok := Sign(1234, "payload", "right-key")

	if _, err := Validate(context.Background(), tok, lookupFixed("wrong-key")); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestValidateRejectsTamperedPayload(t *testing.T) {
	t.Parallel()

	tok := Sign(1234, "payload", "key")
	parts := strings.SplitN(tok, ".", 3)
	tampered := parts[0] + ".other." + parts[2]

	if _, err := Validate(context.Background(), tampered, lookupFixed("key")); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tok  string
	}{
		{"empty", ""},
		{"one segment", "abc"},
		{"two segments", "abc.def"},
		{"invalid base64 user id", "!!!.payload.sig"},
		{"non-numeric user id", base64.StdEncoding.EncodeToString([]byte("bob")) + ".payload.sig"},
		{"invalid base64 signature", base64.StdEncoding.EncodeToString([]byte("1")) + ".payload.%%%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Validate(context.Background(), tt.tok, lookupFixed("key")); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Validate(%q) error = %v, want ErrInvalidToken", tt.tok, err)
			}
		})
	}
}

func TestValidateRejectsUnknownUser(t *testing.T) {
	t.Parallel()

	tok := Sign(42, "payload", "key")
	lookup := func(context.Context, uint64) (string, error) { return "", errors.New("record not found") }

	if _, err := Validate(context.Background(), tok, lookup); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}
