package errs

import (
	"errors"
	"fmt"
)

// Crypto errors.
var (
	// ErrKeyDerivation indicates a symmetric key could not be derived.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrEncryption indicates a plaintext could not be sealed.
	ErrEncryption = errors.New("encryption failed")

	// ErrDecryption indicates a blob could not be opened with the given key.
	ErrDecryption = errors.New("decryption failed")
)

// Data errors.
var (
	// ErrIntegrity indicates stored data no longer agrees with its own index.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrValidation indicates malformed or unsupported input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("not found")
)

// Lifecycle errors.
var (
	// ErrState indicates the session key is not ready for use.
	ErrState = errors.New("session key not ready")

	// ErrUnauthorized indicates bad operator credentials.
	ErrUnauthorized = errors.New("invalid credentials")
)

// Error carries an operation name and a category alongside the cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

// E builds an *Error. err may be nil when the category says everything.
func E(op string, kind error, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the category of err, or nil if it has none.
func KindOf(err error) error {
	for _, k := range []error{
		ErrKeyDerivation, ErrEncryption, ErrDecryption,
		ErrIntegrity, ErrValidation, ErrNotFound,
		ErrState, ErrUnauthorized,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
