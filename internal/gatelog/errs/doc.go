// Package errs provides the error categories shared by the gatelog core.
//
// Every failure the core reports belongs to exactly one category, so callers
// can branch with errors.Is rather than matching strings:
//
//   - ErrKeyDerivation: the session or master key could not be derived (fatal for init)
//   - ErrEncryption: a write could not be encrypted; nothing was persisted
//   - ErrDecryption: a blob failed authentication, has a malformed salt/iv, or the key is wrong
//   - ErrIntegrity: a stored index hash no longer matches its decrypted value
//   - ErrValidation: malformed input or an unsupported backup file
//   - ErrState: an operation was attempted before the session key was ready
//   - ErrNotFound: the requested document does not exist
//   - ErrUnauthorized: operator credentials were rejected
//
// Use E to attach an operation name and a category to an underlying error:
//
//	if err := gcm.Open(...); err != nil {
//	    return nil, errs.E("crypto.Decrypt", errs.ErrDecryption, err)
//	}
//
// The resulting error matches both the category and the wrapped cause.
package errs
