package tokens

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenBytes           = 32
	temporaryPasswordLen = 12
)

// dummyHash is compared against when an invitation carries no hash so the failure
// path costs the same as a real comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("no-temporary-password"), bcrypt.MinCost)

// NewToken returns 256 bits of randomness encoded as unpadded base64url.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewTemporaryPassword returns a 12 character base58 password.
func NewTemporaryPassword() (string, error) {
	// 16 bytes never encode to fewer than 16 base58 characters.
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base58.Encode(buf)[:temporaryPasswordLen], nil
}

// HashPassword hashes a password with bcrypt at cost, falling back to the default cost.
func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckTemporaryPassword reports whether password matches the invitation's hash.
func CheckTemporaryPassword(inv Invitation, password string) bool {
	hash := []byte(inv.TemporaryPasswordHash)
	if len(hash) == 0 {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
