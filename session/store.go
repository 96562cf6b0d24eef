package session

import "time"

// Store is the narrow persistence interface the cryptor is built against
// (spec.md's "explicit store trait" design note). Implementations live
// outside this package — session/filestore provides a file-backed one for
// local use, but the production device store is an external collaborator.
type Store interface {
	GetBytes(key string) ([]byte, bool, error)
	PutBytes(key string, value []byte) error
	Remove(key string) error

	GetCounter(key string) (uint64, error)
	PutCounter(key string, value uint64) error

	// GetSharedKey and PutSharedKey wrap the crypto namespace's
	// shared_key/shared_key_expires_at pair so callers never have to
	// encode the expiry themselves.
	GetSharedKey() (key []byte, expires time.Time, ok bool, err error)
	PutSharedKey(key []byte, expires time.Time) error
}
