package recipients

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// SaltStore persists the hashing salt. LoadOrCreateSalt stores candidate only
// when no salt exists yet and returns whichever salt is persisted.
type SaltStore interface {
	LoadOrCreateSalt(ctx context.Context, candidate string) (string, error)
}

// Hasher derives salted digests of normalized addresses. The salt is resolved
// once and cached for the process lifetime.
type Hasher struct {
	store SaltStore

	mu   sync.Mutex
	salt string
}

func NewHasher(store SaltStore) *Hasher {
	return &Hasher{store: store}
}

// NewStaticHasher returns a Hasher with a fixed salt and no backing store.
func NewStaticHasher(salt string) *Hasher {
	return &Hasher{salt: salt}
}

// Salt returns the persistent salt, generating and storing one on first use.
func (h *Hasher) Salt(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.salt != "" {
		return h.salt, nil
	}
	if h.store == nil {
		return "", errors.New("hasher has no salt store")
	}

	candidate, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	salt, err := h.store.LoadOrCreateSalt(ctx, candidate)
	if err != nil {
		return "", fmt.Errorf("load salt: %w", err)
	}
	if salt == "" {
		return "", errors.New("salt store returned an empty salt")
	}
	h.salt = salt
	return salt, nil
}

// Hash returns hex(SHA-256(normalized + salt)). The input must already be normalized.
func (h *Hasher) Hash(ctx context.Context, normalized string) (string, error) {
	salt, err := h.Salt(ctx)
	if err != nil {
		return "", err
	}
	return digest(normalized, salt), nil
}

// GenerateSalt returns 32 random bytes, hex encoded.
func GenerateSalt() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func digest(normalized, salt string) string {
	sum := sha256.Sum256([]byte(normalized + salt))
	return hex.EncodeToString(sum[:])
}
