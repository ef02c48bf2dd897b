package qdb

import (
	"bytes"
)

// Queue is an append-only sequence of opaque items, ordered by item id.
type Queue struct {
	db   *DB
	id   uint64
	name string
	ns   []byte
}

func (db *DB) queue(id uint64, name string) *Queue {
	return &Queue{db: db, id: id, name: name, ns: queueNamespace(id)}
}

// Queue returns the named queue, registering the name if needed. Its storage
// is created by the first Add.
func (db *DB) Queue(name string) (*Queue, error) {
	id, err := db.NameA(NamedQueue, name)
	if err != nil {
		return nil, err
	}
	return db.queue(id, name), nil
}

// LookupQueue returns an existing queue or ErrQueueNotFound.
func (db *DB) LookupQueue(name string) (*Queue, error) {
	id, found, err := db.NameOf(NamedQueue, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrQueueNotFound
	}
	return db.queue(id, name), nil
}

func (q *Queue) ID() uint64 {
	return q.id
}

func (q *Queue) Name() string {
	return q.name
}

// Add stores item under the next store-wide id.
func (q *Queue) Add(item []byte) (uint64, error) {
	if item == nil {
		item = []byte{}
	}
	var id uint64
	err := q.db.update(func(t *tx) error {
		var err error
		id, err = t.generateID()
		if err != nil {
			return err
		}
		b, err := t.createBucket(q.ns)
		if err != nil {
			return err
		}
		return storageErr("put item", q.ns, b.Put(beUint64Bytes(id), item))
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Get returns a copy of the item stored under id.
func (q *Queue) Get(id uint64) ([]byte, bool, error) {
	var item []byte
	var found bool
	err := q.db.view(func(t *tx) error {
		b := t.bucket(q.ns)
		if b == nil {
			return nil
		}
		var v []byte
		v, found = getExact(b, beUint64Bytes(id))
		item = clone(v)
		return nil
	})
	return item, found, err
}

// Del removes the item. Index entries pointing at it are left in place.
func (q *Queue) Del(id uint64) error {
	return q.db.update(func(t *tx) error {
		b := t.bucket(q.ns)
		if b == nil {
			return nil
		}
		return storageErr("delete item", q.ns, b.Delete(beUint64Bytes(id)))
	})
}

func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.view(func(t *tx) error {
		if b := t.bucket(q.ns); b != nil {
			n = b.KeyCount()
		}
		return nil
	})
	return n, err
}

// Scan calls f for every item in insertion order. The item slice is only
// valid during the call. Returning Break stops the scan without an error.
func (q *Queue) Scan(f func(id uint64, item []byte) error) error {
	err := q.db.view(func(t *tx) error {
		b := t.bucket(q.ns)
		if b == nil {
			return nil
		}
		return scanRange(b.Cursor(), rawRange{}, func(k, v []byte) error {
			id, err := decodeItemID(k)
			if err != nil {
				return err
			}
			return f(id, v)
		})
	})
	if err == Break {
		return nil
	}
	return err
}

type queueEntry struct {
	id   uint64
	item []byte
}

// batchAfter returns up to limit items with ids greater than after, copied.
func (q *Queue) batchAfter(after uint64, limit int) ([]queueEntry, error) {
	var out []queueEntry
	err := q.db.view(func(t *tx) error {
		b := t.bucket(q.ns)
		if b == nil {
			return nil
		}
		rang := rawRange{lower: beUint64Bytes(after), lowerExclusive: true, limit: limit}
		return scanRange(b.Cursor(), rang, func(k, v []byte) error {
			id, err := decodeItemID(k)
			if err != nil {
				return err
			}
			out = append(out, queueEntry{id, clone(v)})
			return nil
		})
	})
	return out, err
}

// Indexes returns the indexes bound to this queue, in index namespace order.
func (q *Queue) Indexes() ([]*Index, error) {
	var idxs []*Index
	err := q.db.view(func(t *tx) error {
		var err error
		idxs, err = t.indexesOf(q.id)
		return err
	})
	return idxs, err
}

// getExact distinguishes a present empty value from a missing key.
func getExact(b storageBucket, key []byte) ([]byte, bool) {
	k, v := b.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil, false
	}
	if v == nil {
		v = []byte{}
	}
	return v, true
}
