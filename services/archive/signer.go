package archive

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
)

// Signer signs archive manifests with an Ed25519 key derived from an age secret key seed,
// so one key both decrypts archives and vouches for their manifests.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSigner parses an AGE-SECRET-KEY-1... string.
func NewSigner(ageSecretKey string) (*Signer, error) {
	seed, err := decodeAgeSecretKey(strings.TrimSpace(ageSecretKey))
	if err != nil {
		return nil, fmt.Errorf("parse age secret key: %w", err)
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// Sign produces a base64-encoded Ed25519 signature for the provided payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil {
		return "", errors.New("nil signer")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload)), nil
}

// PublicKeyBase64 returns the Ed25519 public key in base64 form.
func (s *Signer) PublicKeyBase64() string {
	if s == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// VerifyManifest checks the manifest signature against the public key it embeds.
func VerifyManifest(m Manifest) error {
	if m.Signature == "" {
		return errors.New("manifest is not signed")
	}
	key, err := base64.StdEncoding.DecodeString(m.SigningPublicKey)
	if err != nil {
		return fmt.Errorf("decode manifest public key: %w", err)
	}
	if l := len(key); l != ed25519.PublicKeySize {
		return fmt.Errorf("manifest public key must be %d bytes, got %d", ed25519.PublicKeySize, l)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m.Signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(key), payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
