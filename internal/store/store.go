// Package store defines the keyed TTL store that all persistent proxy state
// goes through: OAuth states, encrypted credentials, workspace metadata,
// edge connections and push registrations.
//
// Three backends implement the same contract. The in-memory store serves
// tests and single-instance deployments, Redis serves multi-instance
// deployments, and Postgres serves deployments that already run a database
// but no Redis. Higher components never import a driver.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks backend connectivity failures. Callers use
// errors.Is to distinguish "store down" from "key absent"; an absent key is
// a nil value with a nil error, never an error.
var ErrUnavailable = errors.New("store unavailable")

// Store is the minimal keyed TTL contract.
//
// Get returns (nil, nil) for an absent key. A zero ttl means the entry never
// expires. Delete of an absent key is a no-op. List returns the keys that
// begin with prefix, in no particular order. TTLs are honoured to within one
// second.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
