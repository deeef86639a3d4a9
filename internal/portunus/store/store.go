// Package store defines the durable key/value contract the node core
// persists through. A write either fully lands or is absent after a crash;
// Commit extends that guarantee to a group of operations.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Read for an absent key.
	ErrNotFound = errors.New("store: key not found")

	// ErrFull is returned when the device's storage is exhausted.
	ErrFull = errors.New("store: storage full")
)

// Op is one put or delete inside a Commit.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

func Put(key string, value []byte) Op { return Op{Key: key, Value: value} }

func Del(key string) Op { return Op{Key: key, Delete: true} }

// Store is the durable storage collaborator.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// List returns the keys starting with prefix in ascending byte order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Commit applies ops atomically: all land or none do.
	Commit(ctx context.Context, ops ...Op) error
}
