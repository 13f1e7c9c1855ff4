package middleware

import (
	"context"
	"strings"
	"testing"
)

func FuzzParseBearerToken(f *testing.F) {
	f.Add("Bearer token")
	f.Add("bearer value")
	f.Add("Basic value")
	f.Add("")
	f.Add("Bearer")

	f.Fuzz(func(t *testing.T, authorizationHeader string) {
		token, err := parseBearerToken(authorizationHeader)
		parts := strings.Fields(authorizationHeader)
		expectOK := len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && parts[1] != ""

		if expectOK {
			if err != nil {
				t.Fatalf("parseBearerToken(%q) error = %v, want nil", authorizationHeader, err)
			}
			if token != parts[1] {
				t.Fatalf("parseBearerToken(%q) token = %q, want %q", authorizationHeader, token, parts[1])
			}
			return
		}

		if err == nil {
			t.Fatalf("parseBearerToken(%q) error = nil, want non-nil", authorizationHeader)
		}
	})
}

func FuzzKeyringValidateToken(f *testing.F) {
	hash, err := HashSDKKey("hashed-key")
	if err != nil {
		f.Fatalf("HashSDKKey() error = %v", err)
	}
	keyring, err := NewKeyring([]string{"plain-key"}, []string{hash}, func() int64 { return 7 })
	if err != nil {
		f.Fatalf("NewKeyring() error = %v", err)
	}

	f.Add("plain-key")
	f.Add("hashed-key")
	f.Add("plain")
	f.Add("plain-key ")
	f.Add("")

	f.Fuzz(func(t *testing.T, token string) {
		accountID, err := keyring.ValidateToken(context.Background(), token)
		accepted := token == "plain-key" || token == "hashed-key"
		if accepted != (err == nil) {
			t.Fatalf("ValidateToken(%q) error = %v, accepted = %v", token, err, accepted)
		}
		if accepted && accountID != 7 {
			t.Fatalf("ValidateToken(%q) account = %d, want 7", token, accountID)
		}
	})
}
