// Package crypto holds the primitives the encrypted store is built on:
// key derivation, per-blob AES-256-GCM sealing, password hashing, random ids
// and the one-way digest used for the known-persons index.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
)

const (
	KeySize  = 32 // AES-256
	SaltSize = 16
	IVSize   = 12 // GCM standard nonce

	// DefaultIterations is the PBKDF2-SHA256 work factor for DeriveKey.
	DefaultIterations = 210_000

	tagSize  = 16
	hkdfInfo = "gatelog/blob/v1"
)

var errInvalidKey = errors.New("key must be 32 bytes")

// Key is an opaque 256-bit symmetric key.
type Key struct {
	b []byte
}

// KeyFromBytes copies raw into a Key.
func KeyFromBytes(raw []byte) (Key, error) {
	if len(raw) != KeySize {
		return Key{}, errInvalidKey
	}
	b := make([]byte, KeySize)
	copy(b, raw)
	return Key{b: b}, nil
}

// IsZero reports whether the key holds no material.
func (k Key) IsZero() bool { return len(k.b) != KeySize }

// Clone returns an independent copy so wiping one does not affect the other.
func (k Key) Clone() Key {
	if k.IsZero() {
		return Key{}
	}
	b := make([]byte, KeySize)
	copy(b, k.b)
	return Key{b: b}
}

// Wipe zeroes the key material in place.
func (k *Key) Wipe() {
	for i := range k.b {
		k.b[i] = 0
	}
	k.b = nil
}

// Blob is the minimal self-describing encrypted unit. Salt and IV are fresh
// for every Encrypt call; the salt feeds the per-blob subkey and is also
// authenticated as associated data.
type Blob struct {
	Ciphertext []byte `json:"encrypted"`
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
}

// DeriveKey stretches secret with salt into a 256-bit key. The result is
// deterministic so every operator station derives the same installation key.
func DeriveKey(secret, salt []byte) (Key, error) {
	return DeriveKeyIter(secret, salt, DefaultIterations)
}

// DeriveKeyIter is DeriveKey with an explicit PBKDF2 iteration count.
func DeriveKeyIter(secret, salt []byte, iterations int) (Key, error) {
	switch {
	case len(secret) == 0:
		return Key{}, errs.E("crypto.DeriveKey", errs.ErrKeyDerivation, errors.New("empty secret"))
	case len(salt) == 0:
		return Key{}, errs.E("crypto.DeriveKey", errs.ErrKeyDerivation, errors.New("empty salt"))
	case iterations < 1:
		return Key{}, errs.E("crypto.DeriveKey", errs.ErrKeyDerivation, fmt.Errorf("bad iteration count %d", iterations))
	}
	return Key{b: pbkdf2.Key(secret, salt, iterations, KeySize, sha256.New)}, nil
}

// Encrypt seals plaintext under key with a fresh salt and IV.
func Encrypt(plaintext []byte, key Key) (Blob, error) {
	if key.IsZero() {
		return Blob{}, errs.E("crypto.Encrypt", errs.ErrEncryption, errInvalidKey)
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Blob{}, errs.E("crypto.Encrypt", errs.ErrEncryption, fmt.Errorf("salt: %w", err))
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Blob{}, errs.E("crypto.Encrypt", errs.ErrEncryption, fmt.Errorf("iv: %w", err))
	}

	aead, err := blobAEAD(key, salt)
	if err != nil {
		return Blob{}, errs.E("crypto.Encrypt", errs.ErrEncryption, err)
	}

	return Blob{
		Ciphertext: aead.Seal(nil, iv, plaintext, salt),
		Salt:       salt,
		IV:         iv,
	}, nil
}

// Decrypt opens blob with key. It never returns plaintext that failed
// authentication.
func Decrypt(blob Blob, key Key) ([]byte, error) {
	switch {
	case key.IsZero():
		return nil, errs.E("crypto.Decrypt", errs.ErrDecryption, errInvalidKey)
	case len(blob.Salt) != SaltSize:
		return nil, errs.E("crypto.Decrypt", errs.ErrDecryption, fmt.Errorf("salt length %d", len(blob.Salt)))
	case len(blob.IV) != IVSize:
		return nil, errs.E("crypto.Decrypt", errs.ErrDecryption, fmt.Errorf("iv length %d", len(blob.IV)))
	case len(blob.Ciphertext) < tagSize:
		return nil, errs.E("crypto.Decrypt", errs.ErrDecryption, errors.New("ciphertext too short"))
	}

	aead, err := blobAEAD(key, blob.Salt)
	if err != nil {
		return nil, errs.E("crypto.Decrypt", errs.ErrDecryption, err)
	}

	plaintext, err := aead.Open(nil, blob.IV, blob.Ciphertext, blob.Salt)
	if err != nil {
		return nil, errs.E("crypto.Decrypt", errs.ErrDecryption, err)
	}
	return plaintext, nil
}

func blobAEAD(key Key, salt []byte) (cipher.AEAD, error) {
	sub := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key.b, salt, []byte(hkdfInfo)), sub); err != nil {
		return nil, fmt.Errorf("subkey: %w", err)
	}
	block, err := aes.NewCipher(sub)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// HashPassword returns a bcrypt hash of password with a fresh salt.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errs.E("crypto.HashPassword", errs.ErrValidation, errors.New("empty password"))
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", errs.E("crypto.HashPassword", errs.ErrValidation, err)
		}
		return "", fmt.Errorf("crypto.HashPassword: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword reports whether password matches hash.
func VerifyPassword(hash, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("crypto.VerifyPassword: %w", err)
	}
}

// NewID returns a ULID drawn from crypto/rand. Ids sort by creation time.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// Digest returns the lowercase hex SHA-256 of input.
func Digest(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
