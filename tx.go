package qdb

import (
	"fmt"
	"runtime/debug"
	"time"
)

const trackTxns = true

// tx is one storage transaction plus the bookkeeping DescribeOpenTxns needs.
type tx struct {
	db        *DB
	stx       storageTx
	startTime time.Time
	stack     string
	closed    bool
}

func (db *DB) begin(writable bool) (*tx, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	stx, err := db.store.BeginTx(writable)
	if err != nil {
		return nil, storageErr("begin", nil, err)
	}
	t := &tx{db: db, stx: stx}
	if trackTxns {
		t.startTime = time.Now()
		t.stack = string(debug.Stack())
		db.addTx(t)
	}
	if writable {
		db.WriteCount.Add(1)
	} else {
		db.ReadCount.Add(1)
	}
	return t, nil
}

func (t *tx) close() {
	if t.closed {
		return
	}
	t.closed = true
	// Rollback after Commit is a no-op for both backends.
	_ = t.stx.Rollback()
	if trackTxns {
		t.db.removeTx(t)
	}
}

func (t *tx) commit() error {
	t.db.lastSize.Store(t.stx.Size())
	return storageErr("commit", nil, t.stx.Commit())
}

// view runs f in a read-only transaction.
func (db *DB) view(f func(t *tx) error) error {
	t, err := db.begin(false)
	if err != nil {
		return err
	}
	defer t.close()
	db.ReaderCount.Add(1)
	defer db.ReaderCount.Add(-1)
	return safelyCall(f, t)
}

// update runs f in a write transaction, committing if f succeeds.
func (db *DB) update(f func(t *tx) error) error {
	db.PendingWriterCount.Add(1)
	t, err := db.begin(true)
	db.PendingWriterCount.Add(-1)
	if err != nil {
		return err
	}
	defer t.close()
	db.WriterCount.Add(1)
	defer db.WriterCount.Add(-1)
	if err := safelyCall(f, t); err != nil {
		return err
	}
	return t.commit()
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*tx) error, t *tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(t)
}

func (t *tx) bucket(ns []byte) storageBucket {
	return t.stx.Bucket(ns)
}

func (t *tx) createBucket(ns []byte) (storageBucket, error) {
	b, err := t.stx.CreateBucket(ns)
	return b, storageErr("create namespace", ns, err)
}
