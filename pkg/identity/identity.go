// Package identity manages the ed25519 identities that own audit trails.
//
// An Identity carries its key pair hex-encoded. The secret half is only
// ever held by the owner: ledgers persist Public() copies and authenticate
// by deriving the public key from a presented secret.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	KeyTypeEd25519  = "ed25519"
	KeyEncodingHex  = "hex"
	didPrefix       = "did:trail:"
	fileMode        = 0o600
	identityIDBytes = 16
)

var (
	ErrInvalidKey     = errors.New("invalid identity key")
	ErrNoSecret       = errors.New("identity has no secret key")
	ErrSecretMismatch = errors.New("secret does not match public key")
)

// Key is the key material of an identity.
type Key struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Public   string `json:"public"`
	Secret   string `json:"secret,omitempty"`
}

// Identity is a named key pair with a stable identifier derived from the
// public key.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Key      Key    `json:"key"`
}

// Generate creates a fresh identity. An empty username gets a random one.
func Generate(username string) (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("key generation failed: %w", err)
	}
	if username == "" {
		username = "user-" + uuid.NewString()[:8]
	}
	return Identity{
		ID:       DeriveID(pub),
		Username: username,
		Key: Key{
			Type:     KeyTypeEd25519,
			Encoding: KeyEncodingHex,
			Public:   hex.EncodeToString(pub),
			Secret:   hex.EncodeToString(priv.Seed()),
		},
	}, nil
}

// DeriveID returns the identifier for a public key.
func DeriveID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return didPrefix + hex.EncodeToString(sum[:identityIDBytes])
}

// Public returns a copy without the secret key.
func (i Identity) Public() Identity {
	i.Key.Secret = ""
	return i
}

// HasSecret reports whether the identity can sign.
func (i Identity) HasSecret() bool { return i.Key.Secret != "" }

// Validate checks key encoding and that the id matches the public key.
// When a secret is present it must match the public key.
func (i Identity) Validate() error {
	if i.Key.Type != KeyTypeEd25519 || i.Key.Encoding != KeyEncodingHex {
		return fmt.Errorf("%w: unsupported key %s/%s", ErrInvalidKey, i.Key.Type, i.Key.Encoding)
	}
	pub, err := decodePublic(i.Key.Public)
	if err != nil {
		return err
	}
	if i.ID != DeriveID(pub) {
		return fmt.Errorf("%w: id %q does not match public key", ErrInvalidKey, i.ID)
	}
	if i.HasSecret() {
		return CheckSecret(i.Key.Public, i.Key.Secret)
	}
	return nil
}

// Sign signs msg with the identity's secret key and returns the hex
// signature.
func (i Identity) Sign(msg []byte) (string, error) {
	priv, err := privateKey(i.Key.Secret)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, msg)), nil
}

// VerifySignature checks a hex signature against a hex public key.
func VerifySignature(publicHex, sigHex string, msg []byte) (bool, error) {
	pub, err := decodePublic(publicHex)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(pub, msg, sig), nil
}

// CheckSecret reports whether secretHex is the private half of publicHex.
func CheckSecret(publicHex, secretHex string) error {
	priv, err := privateKey(secretHex)
	if err != nil {
		return err
	}
	want, err := decodePublic(publicHex)
	if err != nil {
		return err
	}
	got := priv.Public().(ed25519.PublicKey)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrSecretMismatch
	}
	return nil
}

// PublicFromSecret derives the hex public key for a hex secret.
func PublicFromSecret(secretHex string) (string, error) {
	priv, err := privateKey(secretHex)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
}

func privateKey(secretHex string) (ed25519.PrivateKey, error) {
	if secretHex == "" {
		return nil, ErrNoSecret
	}
	seed, err := hex.DecodeString(secretHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: secret must be %d hex-encoded bytes", ErrInvalidKey, ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func decodePublic(publicHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(publicHex))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d hex-encoded bytes", ErrInvalidKey, ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Save writes ident as indented JSON readable only by the owner.
func Save(path string, ident Identity) error {
	return WriteJSON(path, ident)
}

// Load reads and validates an identity file.
func Load(path string) (Identity, error) {
	var ident Identity
	if err := ReadJSON(path, &ident); err != nil {
		return Identity{}, err
	}
	if err := ident.Validate(); err != nil {
		return Identity{}, fmt.Errorf("identity file %s: %w", path, err)
	}
	return ident, nil
}

// WriteJSON writes v to path with owner-only permissions, creating parent
// directories as needed.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), fileMode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadJSON decodes the JSON file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
