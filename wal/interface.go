package wal

import (
	"time"

	"github.com/INLOpen/walog/core"
)

// Log defines the public API of a write-ahead log.
type Log interface {
	// Append writes payload and returns the record it was assigned.
	Append(payload []byte) (core.Record, error)
	// AppendAsync submits payload and returns a future for its record.
	AppendAsync(payload []byte) (*Item, error)
	// Replicate writes payload at exactly lsn.
	Replicate(lsn uint64, payload []byte) (core.Record, error)
	Get(lsn uint64) (*core.Record, error)
	First(timeout time.Duration) (*core.Record, error)
	Last() (*core.Record, error)
	Iterator(timeout time.Duration) *Iterator
	IteratorFrom(lsn uint64, timeout time.Duration) *Iterator
	Sync() (bool, error)
	PurgeTo(lsn uint64) (bool, error)
	Clear() (bool, error)
	Dir() string
	Close() error
}

// RecordIterator walks records in LSN order.
type RecordIterator interface {
	Next() bool
	Record() core.Record
	Err() error
	Close() error
}

var _ RecordIterator = (*Iterator)(nil)
