package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Hash identifies a build output: it is derived from the source content and the build options.
type Hash [sha256.Size]byte

// HashBytes returns the Hash of the given content.
func HashBytes(content []byte) Hash {
	return sha256.Sum256(content)
}

// HashString returns the Hash of the given string.
func HashString(s string) Hash {
	return sha256.Sum256([]byte(s))
}

// HashFile returns the Hash of the contents of the file in path.
func HashFile(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, errors.Wrapf(err, "failed to hash file %q", path)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err = io.Copy(hasher, f); err != nil {
		return Hash{}, errors.Wrapf(err, "failed to hash file %q", path)
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h, nil
}

// Combine returns a new Hash derived from h followed by other.
//
// It is order-sensitive: h.Combine(other) != other.Combine(h) in general, so the roles
// of the two operands (e.g. source content and build options) can't be swapped.
func (h Hash) Combine(other Hash) Hash {
	var buf [2 * sha256.Size]byte
	copy(buf[:sha256.Size], h[:])
	copy(buf[sha256.Size:], other[:])
	return sha256.Sum256(buf[:])
}

// IsZero returns whether the hash was never set.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex representation used to name cache directories.
func (h Hash) String() string {
	return hex.EncodeToString(h[:16])
}
