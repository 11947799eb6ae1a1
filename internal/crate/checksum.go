package crate

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

// Algorithm names a digest algorithm usable in a lock document.
type Algorithm string

const (
	// SHA256 is what Cargo records and the default when a checksum carries
	// no algorithm prefix.
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// DefaultAlgorithm is assumed for bare hex checksums.
const DefaultAlgorithm = SHA256

// ErrChecksumMismatch marks a digest that differs from the recorded checksum.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrInvalidChecksum marks a checksum string that cannot be parsed.
var ErrInvalidChecksum = errors.New("invalid checksum")

func (a Algorithm) new() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, errors.Mark(errors.Newf("unsupported digest algorithm %q", string(a)), ErrInvalidChecksum)
}

func (a Algorithm) size() int {
	switch a {
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	}
	return 0
}

// Checksum is a digest value together with its algorithm.
type Checksum struct {
	Algorithm Algorithm
	Sum       []byte
}

// ParseChecksum parses "<hex>" (DefaultAlgorithm) or "<algorithm>:<hex>".
func ParseChecksum(s string) (Checksum, error) {
	algo := DefaultAlgorithm
	value := strings.TrimSpace(s)
	if i := strings.IndexByte(value, ':'); i >= 0 {
		algo = Algorithm(strings.ToLower(value[:i]))
		value = value[i+1:]
	}

	size := algo.size()
	if size == 0 {
		return Checksum{}, errors.Mark(errors.Newf("unsupported digest algorithm %q", string(algo)), ErrInvalidChecksum)
	}
	sum, err := hex.DecodeString(value)
	if err != nil {
		return Checksum{}, errors.Mark(errors.Wrapf(err, "checksum %q", s), ErrInvalidChecksum)
	}
	if len(sum) != size {
		return Checksum{}, errors.Mark(
			errors.Newf("checksum %q has %d bytes, %s needs %d", s, len(sum), algo, size),
			ErrInvalidChecksum)
	}
	return Checksum{Algorithm: algo, Sum: sum}, nil
}

// MustParseChecksum is like ParseChecksum but panics on error.
func MustParseChecksum(s string) Checksum {
	c, err := ParseChecksum(s)
	if err != nil {
		panic(err)
	}
	return c
}

// IsZero returns true if c holds no digest.
func (c Checksum) IsZero() bool {
	return len(c.Sum) == 0
}

// Hex returns the digest as lowercase hex without the algorithm prefix.
func (c Checksum) Hex() string {
	return hex.EncodeToString(c.Sum)
}

// String returns the form stored in index files: bare hex for the default
// algorithm, "<algorithm>:<hex>" otherwise.
func (c Checksum) String() string {
	if c.Algorithm == DefaultAlgorithm || c.Algorithm == "" {
		return c.Hex()
	}
	return string(c.Algorithm) + ":" + c.Hex()
}

// Equal compares two checksums in constant time with respect to the digest bytes.
func (c Checksum) Equal(t Checksum) bool {
	if c.Algorithm != t.Algorithm || len(c.Sum) != len(t.Sum) || len(c.Sum) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(c.Sum, t.Sum) == 1
}

// ChecksumMismatchError describes a failed verification.
type ChecksumMismatchError struct {
	Expected Checksum
	Actual   Checksum
	Size     int64
}

func (e *ChecksumMismatchError) Error() string {
	return "checksum mismatch: expected " + e.Expected.String() + ", got " + e.Actual.String()
}

// Is makes errors.Is(err, ErrChecksumMismatch) hold.
func (e *ChecksumMismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CopyWithChecksum copies from src to dst until either EOF is reached
// on src or an error occurs, and returns the digest of the copied bytes
// computed with algo.
func CopyWithChecksum(dst io.Writer, src io.Reader, algo Algorithm) (Checksum, int64, error) {
	h, err := algo.new()
	if err != nil {
		return Checksum{}, 0, err
	}
	n, err := io.Copy(io.MultiWriter(h, dst), src)
	if err != nil {
		return Checksum{}, n, err
	}
	return Checksum{Algorithm: algo, Sum: h.Sum(nil)}, n, nil
}

// Match checks an already computed digest against expected.
func Match(actual, expected Checksum, size int64) error {
	if expected.IsZero() {
		return errors.Mark(errors.New("no expected checksum"), ErrInvalidChecksum)
	}
	if !actual.Equal(expected) {
		return &ChecksumMismatchError{Expected: expected, Actual: actual, Size: size}
	}
	return nil
}

// Verify digests r with the algorithm of expected and compares the result.
// A mismatch is reported as *ChecksumMismatchError; read failures are
// returned as they are.
func Verify(r io.Reader, expected Checksum) error {
	if expected.IsZero() {
		return errors.Mark(errors.New("no expected checksum"), ErrInvalidChecksum)
	}
	actual, n, err := CopyWithChecksum(io.Discard, r, expected.Algorithm)
	if err != nil {
		return err
	}
	return Match(actual, expected, n)
}

// VerifyBytes is Verify for an in-memory archive.
func VerifyBytes(data []byte, expected Checksum) error {
	return Verify(bytes.NewReader(data), expected)
}
