// Package middleware provides the HTTP and gRPC middleware of the flagkit
// development backend: SDK key authentication, request logging and keyed
// rate limiting.
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const sdkKeyHashCost = bcrypt.DefaultCost

var errUnknownSDKKey = errors.New("unknown sdk key")

// HashSDKKey returns a salted bcrypt hash for an SDK key.
func HashSDKKey(sdkKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(sdkKey), sdkKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash sdk key: %w", err)
	}
	return string(hash), nil
}

// SDKKeyMatchesHash reports whether sdkKey matches a bcrypt hash.
func SDKKeyMatchesHash(expectedHash, sdkKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(sdkKey)) == nil
}

// Keyring accepts a fixed set of SDK keys, given in plain text or as bcrypt
// hashes, and maps every accepted key to one account.
type Keyring struct {
	keys    [][]byte
	hashes  [][]byte
	account func() int64
}

// NewKeyring validates hashes up front so a mistyped hash fails at startup
// instead of rejecting every request. account is consulted per request, so
// the account may change when settings reload.
func NewKeyring(keys, hashes []string, account func() int64) (*Keyring, error) {
	if account == nil {
		return nil, errors.New("keyring needs an account source")
	}
	if len(keys) == 0 && len(hashes) == 0 {
		return nil, errors.New("keyring needs at least one sdk key")
	}

	k := &Keyring{account: account}
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			k.keys = append(k.keys, []byte(key))
		}
	}
	for i, hash := range hashes {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("sdk key hash %d is not a bcrypt hash: %w", i, err)
		}
		k.hashes = append(k.hashes, []byte(hash))
	}
	return k, nil
}

// ValidateToken implements TokenValidator. Plain keys are compared in
// constant time and every one is checked, so timing does not reveal which
// key matched.
func (k *Keyring) ValidateToken(_ context.Context, token string) (int64, error) {
	if token == "" {
		return 0, errUnknownSDKKey
	}

	matched := 0
	for _, key := range k.keys {
		matched |= subtle.ConstantTimeCompare(key, []byte(token))
	}
	if matched == 0 {
		for _, hash := range k.hashes {
			if bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil {
				matched = 1
				break
			}
		}
	}
	if matched == 0 {
		return 0, errUnknownSDKKey
	}
	return k.account(), nil
}
