package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"

	"github.com/angelmondragon/storefront-backend/pkg/config"
)

const (
	argonVersion      = 19
	minPasswordLength = 8
	maxPasswordLength = 128
)

var (
	// ErrInvalidHash signals a malformed Argon2id hash string.
	ErrInvalidHash = errors.New("invalid argon2id hash")
	// ErrWeakPassword is returned when a password fails the strength policy.
	ErrWeakPassword = fmt.Errorf("password must be %d-%d characters and contain a letter and a digit", minPasswordLength, maxPasswordLength)
)

var b64 = base64.RawStdEncoding

// ArgonParams are the Argon2id cost parameters recorded in each hash.
type ArgonParams struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

// argonHash is the PHC-style form $argon2id$v=19$m=..,t=..,p=..$salt$key.
type argonHash struct {
	params ArgonParams
	salt   []byte
	key    []byte
}

func (h argonHash) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argonVersion, h.params.Memory, h.params.Time, h.params.Parallelism,
		b64.EncodeToString(h.salt), b64.EncodeToString(h.key))
}

func (h argonHash) derive(password string) []byte {
	p := h.params
	return argon2.IDKey([]byte(password), h.salt, p.Time, p.Memory, p.Parallelism, p.KeyLen)
}

func parseArgonHash(encoded string) (argonHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return argonHash{}, ErrInvalidHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argonVersion {
		return argonHash{}, ErrInvalidHash
	}

	var h argonHash
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.params.Memory, &h.params.Time, &h.params.Parallelism); err != nil {
		return argonHash{}, ErrInvalidHash
	}
	if h.params.Memory == 0 || h.params.Time == 0 || h.params.Parallelism == 0 {
		return argonHash{}, ErrInvalidHash
	}

	var err error
	if h.salt, err = b64.DecodeString(parts[4]); err != nil {
		return argonHash{}, ErrInvalidHash
	}
	if h.key, err = b64.DecodeString(parts[5]); err != nil || len(h.key) == 0 {
		return argonHash{}, ErrInvalidHash
	}
	h.params.SaltLen = uint32(len(h.salt))
	h.params.KeyLen = uint32(len(h.key))
	return h, nil
}

// CheckPasswordStrength enforces the account password policy.
func CheckPasswordStrength(password string) error {
	if n := utf8.RuneCountInString(password); n < minPasswordLength || n > maxPasswordLength {
		return ErrWeakPassword
	}
	hasLetter := strings.IndexFunc(password, unicode.IsLetter) >= 0
	hasDigit := strings.IndexFunc(password, unicode.IsDigit) >= 0
	if !hasLetter || !hasDigit {
		return ErrWeakPassword
	}
	return nil
}

// HashPassword derives an Argon2id hash with a fresh random salt.
func HashPassword(password string, cfg config.PasswordConfig) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	h := argonHash{params: paramsFromConfig(cfg)}
	h.salt = make([]byte, h.params.SaltLen)
	if _, err := rand.Read(h.salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	h.key = h.derive(password)
	return h.String(), nil
}

// VerifyPassword reports whether password matches the encoded hash, using
// the parameters stored in the hash rather than the current config.
func VerifyPassword(password, encoded string) (bool, error) {
	h, err := parseArgonHash(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(h.key, h.derive(password)) == 1, nil
}

func paramsFromConfig(cfg config.PasswordConfig) ArgonParams {
	return ArgonParams{
		Memory:      uint32(clamp(cfg.ArgonMemoryKB, 8, 512*1024)),
		Time:        uint32(clamp(cfg.ArgonTime, 1, 10)),
		Parallelism: uint8(clamp(cfg.ArgonParallelism, 1, 255)),
		SaltLen:     uint32(clamp(cfg.ArgonSaltLen, 8, 64)),
		KeyLen:      uint32(clamp(cfg.ArgonKeyLen, 16, 64)),
	}
}

func clamp(value, lo, hi int) int {
	return max(lo, min(value, hi))
}
