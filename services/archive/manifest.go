package archive

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest describes one uploaded archive object. It is stored next to the object.
type Manifest struct {
	Version          string    `yaml:"version"`
	CreatedAt        time.Time `yaml:"created_at"`
	Object           string    `yaml:"object"`
	Recipient        string    `yaml:"recipient"`
	Records          int       `yaml:"records"`
	Size             int64     `yaml:"size"`
	SHA256           string    `yaml:"sha256"`
	Before           time.Time `yaml:"before"`
	SigningPublicKey string    `yaml:"signing_public_key,omitempty"`
	Signature        string    `yaml:"signature,omitempty"`
}

// SigningBytes marshals the manifest without its signature for signing and verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}
