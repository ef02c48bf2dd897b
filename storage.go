package qdb

import "errors"

// errTxNotWritable is returned by in-memory buckets when mutated from a read transaction.
var errTxNotWritable = errors.New("tx not writable")

// storage represents the ordered key-value collaborator (Bolt or in-memory).
// Namespaces are flat buckets addressed by arbitrary binary names.
type storage interface {
	// BeginTx starts a new transaction.
	BeginTx(writable bool) (storageTx, error)
	// Close closes the storage.
	Close() error
}

// storageTx represents a storage transaction.
type storageTx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Bucket returns the named namespace, or nil if it doesn't exist.
	Bucket(name []byte) storageBucket

	// CreateBucket creates a namespace if it doesn't exist.
	CreateBucket(name []byte) (storageBucket, error)

	// ForEachBucket calls f with the name of every namespace in byte order.
	// The name is only valid during the call.
	ForEachBucket(f func(name []byte) error) error

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It should be safe to call multiple times.
	Rollback() error

	// Size returns the database size in bytes (0 if unknown / not applicable).
	Size() int64
}

// storageBucket represents a namespace (sorted key-value collection).
type storageBucket interface {
	// Get retrieves a value by key. Returns nil if not found.
	// The returned slice is only valid until the end of the transaction.
	Get(key []byte) []byte

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key.
	Delete(key []byte) error

	// Cursor returns a cursor for forward iteration.
	Cursor() storageCursor

	// NextSequence returns the next value of the bucket's monotonic counter.
	// The first call returns 1.
	NextSequence() (uint64, error)

	// Stats returns storage-specific bucket statistics.
	// Backends that don't track allocation sizes may return zero values except KeyN.
	Stats() bucketStats

	// KeyCount returns the number of keys in the bucket (best effort).
	KeyCount() int
}

type bucketStats struct {
	KeyN        int
	LeafInuse   int64
	LeafAlloc   int64
	BranchAlloc int64
}

func (s bucketStats) TotalAlloc() int64 { return s.BranchAlloc + s.LeafAlloc }

// storageCursor iterates over a sorted bucket.
type storageCursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)
}
