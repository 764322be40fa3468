package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Supported digest algorithms. All produce 256-bit digests.
const (
	AlgorithmSHA256     = "sha256"
	AlgorithmSHA3_256   = "sha3-256"
	AlgorithmBLAKE2b256 = "blake2b-256"
)

// DefaultAlgorithm is the algorithm existing ledgers were written with.
const DefaultAlgorithm = AlgorithmSHA256

var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

// Hasher turns canonical bytes into a Digest.
type Hasher interface {
	Algorithm() string
	Sum(data []byte) Digest
	// Size is the digest length in bytes.
	Size() int
}

type stdHasher struct {
	name string
	new  func() hash.Hash
}

// NewHasher resolves an algorithm name. The empty name selects
// DefaultAlgorithm.
func NewHasher(algorithm string) (Hasher, error) {
	switch algorithm {
	case "", AlgorithmSHA256:
		return stdHasher{name: AlgorithmSHA256, new: sha256.New}, nil
	case AlgorithmSHA3_256:
		return stdHasher{name: AlgorithmSHA3_256, new: sha3.New256}, nil
	case AlgorithmBLAKE2b256:
		return stdHasher{name: AlgorithmBLAKE2b256, new: newBlake2b256}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

// MustHasher is NewHasher for algorithm names known at compile time.
func MustHasher(algorithm string) Hasher {
	h, err := NewHasher(algorithm)
	if err != nil {
		panic(err)
	}
	return h
}

func newBlake2b256() hash.Hash {
	// Only fails for keys longer than 64 bytes.
	h, _ := blake2b.New256(nil)
	return h
}

func (h stdHasher) Algorithm() string { return h.name }

func (h stdHasher) Size() int { return h.new().Size() }

func (h stdHasher) Sum(data []byte) Digest {
	d := h.new()
	_, _ = d.Write(data)
	return Digest(hex.EncodeToString(d.Sum(nil)))
}
