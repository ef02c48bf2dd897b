package qdb

import (
	"context"
	"fmt"
	"log/slog"
)

const reindexBatchSize = 256

// Index is an ordered view of a queue. Each entry maps a derived key to an
// item id; keys come from the index's keying function shaped by its mode.
type Index struct {
	db   *DB
	desc IndexDesc
	name string
	ns   []byte
}

func (db *DB) index(desc IndexDesc, name string) *Index {
	return &Index{db: db, desc: desc, name: name, ns: desc.namespace()}
}

func (idx *Index) ID() uint64         { return idx.desc.ID }
func (idx *Index) Name() string       { return idx.name }
func (idx *Index) Desc() IndexDesc    { return idx.desc }
func (idx *Index) Rev() uint8         { return idx.desc.Rev }
func (idx *Index) QueueID() uint64    { return idx.desc.Queue }
func (idx *Index) Mode() IndexMode    { return idx.desc.Mode }
func (idx *Index) FunctionID() uint64 { return idx.desc.Function }

func (idx *Index) String() string {
	if idx.name == "" {
		return idx.desc.String()
	}
	return fmt.Sprintf("%s (%v)", idx.name, idx.desc)
}

// CreateIndex binds a new index to a queue and fills it from the queue's
// existing items. Creating an index that already exists with the same queue,
// function and mode returns the existing one.
func (db *DB) CreateIndex(ctx context.Context, queue, name, function string, mode IndexMode) (*Index, error) {
	if mode == nil {
		return nil, ErrUnknownMode
	}
	fid, found, err := db.NameOf(NamedFunction, function)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, function)
	}
	if _, err := db.Function(ctx, fid); err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	qid, err := db.NameA(NamedQueue, queue)
	if err != nil {
		return nil, err
	}
	iid, err := db.NameA(NamedIndex, name)
	if err != nil {
		return nil, err
	}

	var idx *Index
	var existed bool
	err = db.update(func(t *tx) error {
		all, err := t.allIndexes()
		if err != nil {
			return err
		}
		for _, other := range all {
			if other.desc.ID != iid {
				continue
			}
			d := other.desc
			if d.Queue != qid || d.Function != fid || d.Mode != mode {
				return fmt.Errorf("%w: %s is %v", ErrIndexExists, name, d)
			}
			idx, existed = other, true
			return nil
		}

		revs := t.bucket(indexRevisionsNamespace)
		if revs == nil {
			return storageErr("revisions", indexRevisionsNamespace, errMissingNamespace)
		}
		var rev uint8
		if raw := revs.Get(leUint64Bytes(iid)); len(raw) == 1 {
			rev = raw[0]
		}
		if err := revs.Put(leUint64Bytes(iid), []byte{rev}); err != nil {
			return storageErr("put revision", indexRevisionsNamespace, err)
		}

		desc := IndexDesc{ID: iid, Rev: rev, Queue: qid, Mode: mode, Function: fid}
		if _, err := t.createBucket(desc.namespace()); err != nil {
			return err
		}
		if _, err := t.createBucket(queueNamespace(qid)); err != nil {
			return err
		}
		if err := t.register(desc, name); err != nil {
			return err
		}
		idx = db.index(desc, name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existed {
		return idx, nil
	}

	db.logger.LogAttrs(ctx, slog.LevelInfo, "qdb: index created", slog.String("queue", queue), slog.String("index", name), slog.String("function", function), slog.String("mode", mode.String()))
	if _, err := idx.Reindex(ctx); err != nil {
		return idx, fmt.Errorf("backfilling %s: %w", name, err)
	}
	return idx, nil
}

// Index returns a registered index of the named queue.
func (db *DB) Index(queue, name string) (*Index, error) {
	q, err := db.LookupQueue(queue)
	if err != nil {
		return nil, err
	}
	idxs, err := q.Indexes()
	if err != nil {
		return nil, err
	}
	for _, idx := range idxs {
		if idx.name == name {
			return idx, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrIndexNotFound, queue, name)
}

// Key computes the index key of item.
func (idx *Index) Key(ctx context.Context, item []byte) ([]byte, error) {
	fn, err := idx.db.Function(ctx, idx.desc.Function)
	if err != nil {
		return nil, err
	}
	return idx.desc.Mode.Key(ctx, fn, item)
}

// Insert computes the key of item and points it at itemID.
func (idx *Index) Insert(ctx context.Context, itemID uint64, item []byte) error {
	key, err := idx.Key(ctx, item)
	if err != nil {
		return err
	}
	return idx.insertKey(key, itemID)
}

func (idx *Index) insertKey(key []byte, itemID uint64) error {
	if len(key) == 0 {
		return encodingErrf(key, 0, nil, "empty index key for item %d in %v", itemID, idx)
	}
	err := idx.db.update(func(t *tx) error {
		b := t.bucket(idx.ns)
		if b == nil {
			return fmt.Errorf("%w: %v", ErrIndexNotFound, idx)
		}
		return storageErr("put index entry", idx.ns, b.Put(key, beUint64Bytes(itemID)))
	})
	if err != nil {
		return err
	}
	idx.db.metrics.indexInserts.Inc()
	if idx.db.verbose {
		idx.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "qdb: index entry", slog.String("index", idx.name), hexAttr("key", key), slog.Uint64("item", itemID))
	}
	return nil
}

// nth walks forward to the n-th entry (1-based), stopping at the last one.
func nth(c storageCursor, n uint64) (key, value []byte) {
	k, v := c.First()
	if k == nil {
		return nil, nil
	}
	for i := uint64(1); i < n; i++ {
		nk, nv := c.Next()
		if nk == nil {
			break
		}
		k, v = nk, nv
	}
	return k, v
}

// Nth returns the item id of the n-th smallest key (1-based). Past the end it
// returns the last entry; n == 0 is treated as 1. ok is false only when the
// index is empty.
func (idx *Index) Nth(n uint64) (itemID uint64, ok bool, err error) {
	err = idx.db.view(func(t *tx) error {
		b := t.bucket(idx.ns)
		if b == nil {
			return fmt.Errorf("%w: %v", ErrIndexNotFound, idx)
		}
		k, v := nth(b.Cursor(), n)
		if k == nil {
			return nil
		}
		itemID, err = decodeItemID(v)
		ok = err == nil
		return err
	})
	return
}

// PopNth is Nth that also removes the entry, in the same write transaction.
func (idx *Index) PopNth(n uint64) (itemID uint64, ok bool, err error) {
	err = idx.db.update(func(t *tx) error {
		b := t.bucket(idx.ns)
		if b == nil {
			return fmt.Errorf("%w: %v", ErrIndexNotFound, idx)
		}
		k, v := nth(b.Cursor(), n)
		if k == nil {
			return nil
		}
		itemID, err = decodeItemID(v)
		if err != nil {
			return err
		}
		if err := b.Delete(clone(k)); err != nil {
			return storageErr("pop index entry", idx.ns, err)
		}
		ok = true
		return nil
	})
	if ok && err == nil {
		idx.db.metrics.indexPops.Inc()
	} else if err != nil {
		ok = false
	}
	return
}

func (idx *Index) First() (uint64, bool, error) {
	return idx.Nth(1)
}

func (idx *Index) Pop() (uint64, bool, error) {
	return idx.PopNth(1)
}

// Scan calls f for every entry in ascending key order. key is only valid
// during the call. Returning Break stops the scan without an error.
func (idx *Index) Scan(f func(key []byte, itemID uint64) error) error {
	err := idx.db.view(func(t *tx) error {
		b := t.bucket(idx.ns)
		if b == nil {
			return fmt.Errorf("%w: %v", ErrIndexNotFound, idx)
		}
		return scanRange(b.Cursor(), rawRange{}, func(k, v []byte) error {
			id, err := decodeItemID(v)
			if err != nil {
				return err
			}
			return f(k, id)
		})
	})
	if err == Break {
		return nil
	}
	return err
}

func (idx *Index) Len() (int, error) {
	var n int
	err := idx.db.view(func(t *tx) error {
		b := t.bucket(idx.ns)
		if b == nil {
			return fmt.Errorf("%w: %v", ErrIndexNotFound, idx)
		}
		n = b.KeyCount()
		return nil
	})
	return n, err
}

// Reindex inserts every item of the queue into the index and returns the
// number of items processed. Existing entries are overwritten, so running it
// again is harmless. Items are read and written in batches; no write happens
// while a read transaction is open.
func (idx *Index) Reindex(ctx context.Context) (int, error) {
	q := idx.db.queue(idx.desc.Queue, "")
	var after uint64
	var total int
	for {
		batch, err := q.batchAfter(after, reindexBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}

		keys := make([][]byte, len(batch))
		for i, e := range batch {
			keys[i], err = idx.Key(ctx, e.item)
			if err != nil {
				return total, fmt.Errorf("item %d: %w", e.id, err)
			}
			if len(keys[i]) == 0 {
				return total, encodingErrf(keys[i], 0, nil, "empty index key for item %d in %v", e.id, idx)
			}
		}

		err = idx.db.update(func(t *tx) error {
			b := t.bucket(idx.ns)
			if b == nil {
				return fmt.Errorf("%w: %v", ErrIndexNotFound, idx)
			}
			for i, e := range batch {
				if err := b.Put(keys[i], beUint64Bytes(e.id)); err != nil {
					return storageErr("put index entry", idx.ns, err)
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}

		total += len(batch)
		idx.db.metrics.reindexed.Add(len(batch))
		after = batch[len(batch)-1].id
		if len(batch) < reindexBatchSize {
			break
		}
	}
	idx.db.logger.LogAttrs(ctx, slog.LevelDebug, "qdb: reindexed", slog.String("index", idx.name), slog.Int("items", total))
	return total, nil
}
