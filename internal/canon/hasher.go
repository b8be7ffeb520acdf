package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a supported digest function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm maps a configuration value to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", name)
	}
}

// Hasher computes canonical content digests. The zero value uses SHA-256.
type Hasher struct {
	algo Algorithm
}

// NewHasher returns a Hasher for the named algorithm.
func NewHasher(name string) (*Hasher, error) {
	algo, err := ParseAlgorithm(name)
	if err != nil {
		return nil, err
	}
	return &Hasher{algo: algo}, nil
}

// Algorithm reports the digest function in use.
func (h *Hasher) Algorithm() Algorithm {
	if h == nil || h.algo == "" {
		return SHA256
	}
	return h.algo
}

// Digest returns the lowercase hex digest of config's canonical form. Input
// that does not parse as JSON is hashed as its trimmed raw bytes, so every
// config yields a digest.
func (h *Hasher) Digest(config string) string {
	v, err := Parse([]byte(config))
	if err != nil {
		return h.sum([]byte(strings.TrimSpace(config)))
	}
	return h.sum(Canonical(v))
}

func (h *Hasher) sum(data []byte) string {
	switch h.Algorithm() {
	case BLAKE3:
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
}

// Digest hashes config with the default algorithm.
func Digest(config string) string {
	var h Hasher
	return h.Digest(config)
}
