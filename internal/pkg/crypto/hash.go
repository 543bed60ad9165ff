// Package crypto provides content hashing utilities for Alexander Drive.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Supported digest algorithms.
const (
	AlgorithmSHA256  = "sha256"
	AlgorithmBLAKE2b = "blake2b-256"
	AlgorithmBLAKE3  = "blake3"
)

// Hasher computes content digests. Implementations are stateless and
// safe for concurrent use; identical input always yields the same digest.
type Hasher interface {
	// Algorithm returns the algorithm name.
	Algorithm() string

	// New returns a fresh streaming hash.
	New() hash.Hash

	// Sum returns the lowercase hex digest of data.
	Sum(data []byte) string

	// DigestLength returns the length of a hex digest.
	DigestLength() int
}

type hasher struct {
	algorithm string
	newHash   func() hash.Hash
}

// NewHasher returns the Hasher for the named algorithm.
// An empty name selects SHA-256.
func NewHasher(algorithm string) (Hasher, error) {
	switch strings.ToLower(algorithm) {
	case "", AlgorithmSHA256:
		return &hasher{algorithm: AlgorithmSHA256, newHash: sha256.New}, nil
	case AlgorithmBLAKE2b:
		return &hasher{algorithm: AlgorithmBLAKE2b, newHash: newBLAKE2b}, nil
	case AlgorithmBLAKE3:
		return &hasher{algorithm: AlgorithmBLAKE3, newHash: func() hash.Hash { return blake3.New() }}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", algorithm)
	}
}

// MustHasher is like NewHasher but panics on an unknown algorithm.
func MustHasher(algorithm string) Hasher {
	h, err := NewHasher(algorithm)
	if err != nil {
		panic(err)
	}
	return h
}

// SHA256 returns the default hasher.
func SHA256() Hasher {
	return MustHasher(AlgorithmSHA256)
}

func newBLAKE2b() hash.Hash {
	// New256 only fails for keys longer than 64 bytes.
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}

func (h *hasher) Algorithm() string {
	return h.algorithm
}

func (h *hasher) New() hash.Hash {
	return h.newHash()
}

func (h *hasher) Sum(data []byte) string {
	d := h.newHash()
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil))
}

func (h *hasher) DigestLength() int {
	return h.newHash().Size() * 2
}

// HashReader wraps an io.Reader and computes the digest while reading.
type HashReader struct {
	reader io.Reader
	hash   hash.Hash
	size   int64
}

// NewHashReader creates a new HashReader using the given hasher.
func NewHashReader(r io.Reader, h Hasher) *HashReader {
	return &HashReader{
		reader: r,
		hash:   h.New(),
	}
}

// Read implements io.Reader and updates the digest.
func (h *HashReader) Read(p []byte) (n int, err error) {
	n, err = h.reader.Read(p)
	if n > 0 {
		h.hash.Write(p[:n])
		h.size += int64(n)
	}
	return n, err
}

// Digest returns the hex-encoded digest.
// Should only be called after reading is complete.
func (h *HashReader) Digest() string {
	return hex.EncodeToString(h.hash.Sum(nil))
}

// Size returns the total number of bytes read.
func (h *HashReader) Size() int64 {
	return h.size
}

// ComputeSHA256 computes the SHA-256 hash of a byte slice.
func ComputeSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputeStreamDigest computes the digest of a reader's content.
func ComputeStreamDigest(r io.Reader, h Hasher) (string, int64, error) {
	d := h.New()
	size, err := io.Copy(d, r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to compute %s digest: %w", h.Algorithm(), err)
	}
	return hex.EncodeToString(d.Sum(nil)), size, nil
}

// ValidateDigest validates that a string is a lowercase hex digest of the
// expected length.
func ValidateDigest(digest string, length int) bool {
	if len(digest) != length {
		return false
	}
	for _, c := range digest {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
