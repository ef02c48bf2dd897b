package qdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/andreyvit/qdb/keyfn"
)

type DB struct {
	store          storage
	bdb            *bbolt.DB
	rt             *keyfn.Runtime
	ownsRuntime    bool
	logger         *slog.Logger
	verbose        bool
	keyConcurrency int

	functions *xsync.MapOf[uint64, *keyfn.Function]
	metrics   *dbMetrics
	closed    atomic.Bool

	lastSize           atomic.Int64
	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64

	txns     []*tx
	txnsLock sync.Mutex
}

type Options struct {
	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int

	// Runtime executes keying functions. When nil, the DB creates its own
	// from MemoryLimitPages and RecycleBytes and closes it on Close.
	Runtime          *keyfn.Runtime
	MemoryLimitPages uint32
	RecycleBytes     int64

	// KeyConcurrency bounds how many index keys AddItem computes at once.
	// Defaults to GOMAXPROCS.
	KeyConcurrency int
}

// Open opens (creating if needed) a Bolt-backed database file.
func Open(ctx context.Context, path string, opt Options) (*DB, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, storageErr("open "+path, nil, err)
	}
	db, err := open(ctx, newBoltStorage(bdb), opt)
	if err != nil {
		bdb.Close()
		return nil, err
	}
	db.bdb = bdb
	return db, nil
}

// OpenMem opens a transient in-memory database.
func OpenMem(ctx context.Context, opt Options) (*DB, error) {
	return open(ctx, newMemStorage(), opt)
}

func open(ctx context.Context, store storage, opt Options) (*DB, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.KeyConcurrency <= 0 {
		opt.KeyConcurrency = runtime.GOMAXPROCS(0)
	}

	db := &DB{
		store:          store,
		rt:             opt.Runtime,
		logger:         opt.Logger,
		verbose:        opt.Verbose,
		keyConcurrency: opt.KeyConcurrency,
		functions:      xsync.NewMapOf[uint64, *keyfn.Function](),
		metrics:        newDBMetrics(),
	}

	err := db.update(func(t *tx) error {
		for _, ns := range [][]byte{functionsNamespace, nameLookupsNamespace, indexRevisionsNamespace, sequenceNamespace, indexRegistryNamespace} {
			if _, err := t.createBucket(ns); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if db.rt == nil {
		rt, err := keyfn.NewRuntime(ctx, keyfn.Options{
			Logger:           opt.Logger,
			MemoryLimitPages: opt.MemoryLimitPages,
			RecycleBytes:     opt.RecycleBytes,
		})
		if err != nil {
			return nil, err
		}
		db.rt = rt
		db.ownsRuntime = true
	}
	return db, nil
}

// Bolt returns the underlying Bolt database, or nil for OpenMem.
func (db *DB) Bolt() *bbolt.DB {
	return db.bdb
}

func (db *DB) Runtime() *keyfn.Runtime {
	return db.rt
}

func (db *DB) Logger() *slog.Logger {
	return db.logger
}

// Size is the database size in bytes as of the last committed write.
func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

// Close releases loaded keying functions, the runtime (if owned) and the store.
func (db *DB) Close(ctx context.Context) error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	db.functions.Range(func(id uint64, f *keyfn.Function) bool {
		if err := f.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing keying function %d: %w", id, err))
		}
		return true
	})
	db.functions.Clear()
	if db.ownsRuntime {
		if err := db.rt.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing runtime: %w", err))
		}
	}
	if err := db.store.Close(); err != nil {
		errs = append(errs, storageErr("close", nil, err))
	}
	return errors.Join(errs...)
}

// generateID allocates the next store-wide id. Ids start at 1.
func (t *tx) generateID() (uint64, error) {
	b := t.bucket(sequenceNamespace)
	if b == nil {
		return 0, storageErr("next id", sequenceNamespace, errMissingNamespace)
	}
	id, err := b.NextSequence()
	return id, storageErr("next id", sequenceNamespace, err)
}

func (db *DB) generateID() (uint64, error) {
	var id uint64
	err := db.update(func(t *tx) error {
		var err error
		id, err = t.generateID()
		return err
	})
	return id, err
}

// AddItem appends item to the named queue, creating the queue on first use,
// and inserts it into every index bound to the queue.
//
// The append and each index insert are separate transactions. If anything
// fails after the append, the returned error is an *AddError carrying the new
// item id and the indexes that did receive it.
func (db *DB) AddItem(ctx context.Context, queue string, item []byte) (uint64, error) {
	qid, err := db.NameA(NamedQueue, queue)
	if err != nil {
		return 0, err
	}
	q := db.queue(qid, queue)

	id, err := q.Add(item)
	if err != nil {
		db.metrics.addErrors.Inc()
		return 0, err
	}

	indexed, err := db.indexItem(ctx, q, id, item)
	if err != nil {
		db.metrics.addErrors.Inc()
		db.logger.LogAttrs(ctx, slog.LevelWarn, "qdb: item stored but not fully indexed", slog.String("queue", queue), slog.Uint64("item", id), slog.Int("indexed", len(indexed)), slog.Any("err", err))
		return id, &AddError{Queue: queue, Item: id, Indexed: indexed, Err: err}
	}
	db.metrics.itemsAdded.Inc()
	if db.verbose {
		db.logger.LogAttrs(ctx, slog.LevelDebug, "qdb: item added", slog.String("queue", queue), slog.Uint64("item", id), slog.Int("indexes", len(indexed)))
	}
	return id, nil
}

func (db *DB) indexItem(ctx context.Context, q *Queue, id uint64, item []byte) ([]uint64, error) {
	idxs, err := q.Indexes()
	if err != nil {
		return nil, err
	}
	if len(idxs) == 0 {
		return nil, nil
	}

	keys := make([][]byte, len(idxs))
	keyErrs := make([]error, len(idxs))
	var g errgroup.Group
	g.SetLimit(db.keyConcurrency)
	for i, idx := range idxs {
		g.Go(func() error {
			keys[i], keyErrs[i] = idx.Key(ctx, item)
			return nil
		})
	}
	g.Wait()

	var indexed []uint64
	var errs []error
	for i, idx := range idxs {
		err := keyErrs[i]
		if err == nil {
			err = idx.insertKey(keys[i], id)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("index %s: %w", idx.Name(), err))
			continue
		}
		indexed = append(indexed, idx.ID())
	}
	return indexed, errors.Join(errs...)
}

// WriteMetrics writes Prometheus-format metrics of the DB and its runtime.
func (db *DB) WriteMetrics(w io.Writer) {
	db.metrics.set.WritePrometheus(w)
	db.rt.WriteMetrics(w)
}

func (db *DB) addTx(t *tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, t)
}

func (db *DB) removeTx(t *tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := slices.Index(db.txns, t)
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, t := range txns {
		ms := now.Sub(t.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms\n", ms)
		} else {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms:\n%s", ms, t.stack)
		}
	}

	return buf.String()
}
