// Package auth generates, hashes and verifies the API keys that guard the
// scanqueue HTTP API.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/anstrom/scanqueue/internal/errors"
)

const (
	// APIKeyLength is the length of the random part of a generated key.
	APIKeyLength = 32
	// APIKeyPrefix prefixes every generated key.
	APIKeyPrefix = "sq"
	// BcryptCost is the cost used by HashAPIKey.
	BcryptCost = 12
	// bcrypt ignores input past 72 bytes.
	bcryptMaxInputLength = 72

	maxKeyNameLength = 255
)

// GeneratedAPIKey is a new key. Key is only ever shown once; Hash is what
// goes into the configuration file.
type GeneratedAPIKey struct {
	Name          string `json:"name"`
	Key           string `json:"key"`
	Hash          string `json:"hash"`
	DisplayPrefix string `json:"display_prefix"`
}

// GenerateAPIKey creates and hashes a new random key.
func GenerateAPIKey(name string) (*GeneratedAPIKey, error) {
	if err := validateKeyName(name); err != nil {
		return nil, err
	}

	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	randomPart := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(randomBytes))
	key := fmt.Sprintf("%s_%s", APIKeyPrefix, randomPart[:APIKeyLength])

	hash, err := HashAPIKey(key)
	if err != nil {
		return nil, err
	}
	return &GeneratedAPIKey{
		Name:          name,
		Key:           key,
		Hash:          hash,
		DisplayPrefix: DisplayPrefix(key),
	}, nil
}

// HashAPIKey returns the bcrypt hash of a key.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", errors.ErrValidation("API key cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword(bcryptInput(apiKey), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// ValidateAPIKey reports whether apiKey matches a hash from HashAPIKey.
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), bcryptInput(apiKey)) == nil
}

// Keys longer than bcrypt's input limit are pre-hashed with SHA-256.
func bcryptInput(apiKey string) []byte {
	b := []byte(apiKey)
	if len(b) > bcryptMaxInputLength {
		sum := sha256.Sum256(b)
		return sum[:]
	}
	return b
}

// DisplayPrefix returns a log-safe prefix of a key.
func DisplayPrefix(apiKey string) string {
	prefix, rest, ok := strings.Cut(apiKey, "_")
	if !ok || rest == "" {
		return "invalid_key"
	}
	if len(rest) > 8 {
		rest = rest[:8]
	}
	return prefix + "_" + rest + "..."
}

func validateKeyName(name string) error {
	if name == "" {
		return errors.ErrValidation("key name cannot be empty")
	}
	if len(name) > maxKeyNameLength {
		return errors.ErrValidation(fmt.Sprintf("key name must be at most %d characters", maxKeyNameLength))
	}
	for _, char := range name {
		if char < 32 || char == 127 ||
			(char >= 0x0080 && char <= 0x009F) ||
			(char >= 0x202A && char <= 0x202E) ||
			(char >= 0x2066 && char <= 0x2069) {
			return errors.ErrValidation("key name contains invalid characters")
		}
	}
	return nil
}

// Key is a configured API key. Exactly one of Key (plain text, usually
// injected from the environment) or Hash (bcrypt) is set.
type Key struct {
	Name string `yaml:"name" json:"name"`
	Key  string `yaml:"key" json:"-"`
	Hash string `yaml:"hash" json:"-"`
}

// Keyring verifies presented keys against the configured set. Successful
// bcrypt verifications are cached by SHA-256 digest so repeat requests
// skip the hash comparison.
type Keyring struct {
	plain  map[[sha256.Size]byte]string
	hashed []Key

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

// NewKeyring validates keys and builds a Keyring.
func NewKeyring(keys []Key) (*Keyring, error) {
	kr := &Keyring{
		plain:    make(map[[sha256.Size]byte]string),
		verified: make(map[[sha256.Size]byte]string),
	}
	for i, k := range keys {
		field := fmt.Sprintf("api.api_keys[%d]", i)
		if k.Name == "" {
			return nil, errors.ErrConfigMissing(field + ".name")
		}
		switch {
		case k.Key != "" && k.Hash != "":
			return nil, errors.ErrMutuallyExclusive(field+".key", field+".hash")
		case k.Key != "":
			kr.plain[sha256.Sum256([]byte(k.Key))] = k.Name
		case k.Hash != "":
			if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
				return nil, errors.ErrConfigInvalid(field+".hash", "not a bcrypt hash")
			}
			kr.hashed = append(kr.hashed, k)
		default:
			return nil, errors.ErrConfigMissing(field + ".key")
		}
	}
	return kr, nil
}

// Enabled reports whether any key is configured.
func (kr *Keyring) Enabled() bool {
	return kr != nil && (len(kr.plain) > 0 || len(kr.hashed) > 0)
}

// Authenticate returns the name of the key matching apiKey.
func (kr *Keyring) Authenticate(apiKey string) (string, bool) {
	if kr == nil || apiKey == "" {
		return "", false
	}
	digest := sha256.Sum256([]byte(apiKey))

	for d, name := range kr.plain {
		if subtle.ConstantTimeCompare(d[:], digest[:]) == 1 {
			return name, true
		}
	}

	kr.mu.RLock()
	name, ok := kr.verified[digest]
	kr.mu.RUnlock()
	if ok {
		return name, true
	}

	for _, k := range kr.hashed {
		if ValidateAPIKey(apiKey, k.Hash) {
			kr.mu.Lock()
			kr.verified[digest] = k.Name
			kr.mu.Unlock()
			return k.Name, true
		}
	}
	return "", false
}
