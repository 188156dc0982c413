// Package storage provides browser-style durable key/value storage shared by
// every process that opens the same backing store. Each process is an
// "origin" (the equivalent of a browser tab); writes are atomic across keys
// and other origins observe them as ordered Change events.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned when the backing store cannot be opened or used.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage closed")
)

// Change is one committed mutation of a single key.
type Change struct {
	Seq      int64     `json:"seq"`
	Key      string    `json:"key"`
	OldValue *string   `json:"old_value,omitempty"`
	NewValue *string   `json:"new_value,omitempty"` // nil when the key was removed
	Origin   string    `json:"origin"`
	At       time.Time `json:"at"`
}

// Removed reports whether the change deleted the key.
func (c Change) Removed() bool {
	return c.NewValue == nil
}

// Durable is the storage contract used by the session layer.
//
// GetMany reads keys from one consistent snapshot; absent keys are missing
// from the result. Set and Remove apply all keys atomically. RemoveIf
// removes keys only when each still holds the value in expected (a key
// missing from expected must be absent), and reports whether it did.
// Watch blocks until ctx is done and calls fn, in commit order, for every
// change made by another origin.
// Changes made through the same Durable are never delivered to its own
// watchers, matching browser storage events.
type Durable interface {
	Origin() string
	Get(ctx context.Context, key string) (string, bool, error)
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, values map[string]string) error
	Remove(ctx context.Context, keys ...string) error
	RemoveIf(ctx context.Context, expected map[string]string, keys ...string) (bool, error)
	Watch(ctx context.Context, fn func(Change)) error
	Close() error
}

func strPtr(s string) *string { return &s }

// matches reports whether current holds exactly the expected value, or
// absence, for every key.
func matches(current, expected map[string]string, keys []string) bool {
	for _, k := range keys {
		cur, had := current[k]
		want, wanted := expected[k]
		if had != wanted || cur != want {
			return false
		}
	}
	return true
}
