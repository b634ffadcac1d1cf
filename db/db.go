// Package db provides an ordered key-value storage abstraction backed by
// Pebble, with atomic batch writes, bidirectional ordered iteration, and
// graceful shutdown.
//
// Each [Store] owns exactly one on-disk directory. Higher layers that need
// several namespaces (a document store, a sequence log, attachment
// metadata, attachment blobs) open one Store per namespace directory and
// coordinate them above this package.
//
// The primary interface is [Store], satisfied by [PebbleDB] (production)
// and [MockStore] (testing). Create instances with [Open] or
// [NewMockStore] and inject them into consumers via constructor arguments
// or functional options.
package db

import (
	"errors"
	"io"
)

// Sentinel errors returned by Store implementations.
var (
	ErrClosed      = errors.New("db: database is closed")
	ErrKeyNotFound = errors.New("db: key not found")
	ErrNilKey      = errors.New("db: key must not be nil")
	ErrBatchClosed = errors.New("db: batch is closed")
)

// Store defines the contract for one ordered key-value namespace.
// All methods are safe for concurrent use by multiple goroutines.
type Store interface {
	// Get retrieves the value for a key.
	// Returns ErrKeyNotFound if the key does not exist.
	Get(key []byte) ([]byte, error)

	// Put stores a key-value pair.
	Put(key []byte, value []byte) error

	// Delete removes a key. Deleting a non-existent key is not an error.
	Delete(key []byte) error

	// Has reports whether a key exists.
	Has(key []byte) (bool, error)

	// NewBatch creates an atomic write batch. Operations are buffered in
	// memory and applied atomically when Commit is called. The caller must
	// call Close when the batch is no longer needed.
	NewBatch() Batch

	// NewIterator creates an iterator over the full key range. Iterators
	// observe a consistent snapshot of the store taken at creation time.
	// The caller must call Close on the returned Iterator.
	NewIterator() (Iterator, error)

	// Flush forces all buffered writes (memtable) to persistent storage.
	Flush() error

	// Close performs a graceful shutdown: flushes pending writes, closes
	// the underlying engine, and releases all resources.
	// After Close returns, every other method returns ErrClosed.
	io.Closer
}

// Batch is an atomic write batch. Operations are buffered in memory and
// applied atomically on Commit.
type Batch interface {
	// Put stages a key-value write.
	Put(key []byte, value []byte) error

	// Delete stages a key deletion.
	Delete(key []byte) error

	// Count returns the number of staged operations.
	Count() int

	// Commit atomically applies all staged operations.
	Commit() error

	// Close releases batch resources. Must be called even after Commit.
	Close()
}

// Iterator provides ordered traversal over the keys of a single Store.
// Key and Value return copies that remain valid after the iterator advances.
type Iterator interface {
	// Seek positions the iterator at the first key >= target.
	Seek(target []byte)

	// SeekToFirst positions the iterator at the first key.
	SeekToFirst()

	// SeekToLast positions the iterator at the last key.
	SeekToLast()

	// Next advances the iterator by one key.
	Next()

	// Prev moves the iterator back by one key.
	Prev()

	// Valid reports whether the iterator is positioned at a valid entry.
	Valid() bool

	// Key returns a copy of the current key.
	// Only valid when Valid() is true.
	Key() []byte

	// Value returns a copy of the current value.
	// Only valid when Valid() is true.
	Value() []byte

	// Err returns any accumulated error from the underlying engine.
	Err() error

	// Close releases iterator resources.
	Close()
}
