package settings

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/matt-riley/flagkit/internal/core"
)

// Credentials identify the account whose settings are loaded.
type Credentials struct {
	SDKKey    string
	AccountID int64
}

// Validate returns an error matching [core.ErrConfiguration] for an empty
// SDK key or a non-positive account id.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.SDKKey) == "" {
		return fmt.Errorf("%w: sdk key is required", core.ErrConfiguration)
	}
	if c.AccountID <= 0 {
		return fmt.Errorf("%w: account id must be > 0", core.ErrConfiguration)
	}
	return nil
}

// CacheKey derives a stable key for persisted settings without storing the
// SDK key itself.
func (c Credentials) CacheKey() string {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(c.SDKKey) + ":" + strconv.FormatInt(c.AccountID, 10)))
	return hex.EncodeToString(sum[:])
}
