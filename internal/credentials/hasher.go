// Package credentials wraps the memory-hard password hash, the fast token
// fingerprint, and the password strength policy.
package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	zxcvbn "github.com/nbutton23/zxcvbn-go"
	"golang.org/x/crypto/argon2"
)

// MinScore is the lowest zxcvbn score the password policy accepts.
const MinScore = 3

const algorithmID = "argon2id"

// Hasher derives and verifies argon2id hashes. The zero value is not usable;
// construct with NewHasher.
type Hasher struct {
	memory      uint32
	time        uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

// NewHasher returns a Hasher with the production cost parameters:
// 19 MiB memory, 2 iterations, parallelism 1, 32-byte output.
func NewHasher() *Hasher {
	return &Hasher{
		memory:      19 * 1024,
		time:        2,
		parallelism: 1,
		saltLength:  16,
		keyLength:   32,
	}
}

// Hash derives an argon2id hash of secret and encodes it in PHC string form.
func (h *Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, h.saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("credentials: read salt: %w", err)
	}

	key := argon2.IDKey([]byte(secret), salt, h.time, h.memory, h.parallelism, h.keyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.memory,
		h.time,
		h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches the PHC-encoded hash. Comparison goes
// through the primitive's own constant-time verifier, never manual byte
// equality.
func (h *Hasher) Verify(encoded, secret string) (bool, error) {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	key := argon2.IDKey([]byte(secret), parsed.salt, parsed.time, parsed.memory, parsed.parallelism, parsed.keyLength)

	return subtle.ConstantTimeCompare(key, parsed.key) == 1, nil
}

// Fingerprint returns the lowercase hex SHA-256 digest of token. It derives
// storage keys for opaque tokens and must never be used for passwords.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Score estimates password guessability on the zxcvbn 0..4 scale.
func Score(password string) int {
	return zxcvbn.PasswordStrength(password, nil).Score
}

// IsGuessable reports whether password falls below the strength policy.
func IsGuessable(password string) bool {
	return Score(password) < MinScore
}

type phcHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
	keyLength   uint32
}

func parsePHC(encoded string) (*phcHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, errors.New("credentials: malformed hash")
	}
	if parts[1] != algorithmID {
		return nil, errors.New("credentials: unsupported algorithm")
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return nil, errors.New("credentials: unsupported argon2 version")
	}

	var parsed phcHash
	for _, pair := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, errors.New("credentials: malformed parameters")
		}
		v, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			return nil, errors.New("credentials: malformed parameters")
		}
		switch kv[0] {
		case "m":
			parsed.memory = uint32(v)
		case "t":
			parsed.time = uint32(v)
		case "p":
			parsed.parallelism = uint8(v)
		default:
			return nil, errors.New("credentials: malformed parameters")
		}
	}
	if parsed.memory == 0 || parsed.time == 0 || parsed.parallelism == 0 {
		return nil, errors.New("credentials: missing parameters")
	}

	parsed.salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, errors.New("credentials: malformed salt")
	}
	parsed.key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(parsed.key) == 0 {
		return nil, errors.New("credentials: malformed key")
	}
	parsed.keyLength = uint32(len(parsed.key))

	return &parsed, nil
}
