package qdb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/qdb/keyfn"
)

// functionRecord is the stored form of a keying function, keyed by the
// big-endian function id in the functions namespace.
type functionRecord struct {
	Code    []byte    `msgpack:"c"`
	KeyLen  int       `msgpack:"k"`
	Created time.Time `msgpack:"t"`
}

func (t *tx) functionsBucket() (storageBucket, error) {
	b := t.bucket(functionsNamespace)
	if b == nil {
		return nil, storageErr("functions", functionsNamespace, errMissingNamespace)
	}
	return b, nil
}

func (t *tx) functionRecord(id uint64) (*functionRecord, error) {
	b, err := t.functionsBucket()
	if err != nil {
		return nil, err
	}
	raw := b.Get(beUint64Bytes(id))
	if raw == nil {
		return nil, nil
	}
	var rec functionRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, encodingErrf(raw, 0, err, "function %d record", id)
	}
	return &rec, nil
}

// RegisterFunction validates a keying module and stores it under name.
// Registering the same code again is a no-op; different code under an existing
// name fails with ErrFunctionExists.
func (db *DB) RegisterFunction(ctx context.Context, name string, code []byte) (uint64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}

	tmp, err := db.rt.Load(ctx, 0, code)
	if err != nil {
		return 0, err
	}
	keyLen := tmp.KeyLen()
	db.closeLogged(ctx, tmp, "validation instance")

	id, err := db.NameA(NamedFunction, name)
	if err != nil {
		return 0, err
	}

	err = db.update(func(t *tx) error {
		old, err := t.functionRecord(id)
		if err != nil {
			return err
		}
		if old != nil {
			if !bytes.Equal(old.Code, code) {
				return fmt.Errorf("%w: %s", ErrFunctionExists, name)
			}
			return nil
		}
		raw, err := msgpack.Marshal(&functionRecord{
			Code:    code,
			KeyLen:  keyLen,
			Created: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		b, err := t.functionsBucket()
		if err != nil {
			return err
		}
		return storageErr("put function", functionsNamespace, b.Put(beUint64Bytes(id), raw))
	})
	if err != nil {
		return 0, err
	}
	db.logger.LogAttrs(ctx, slog.LevelInfo, "qdb: keying function registered", slog.String("name", name), slog.Uint64("id", id), slog.Int("key_length", keyLen), slog.Int("code_size", len(code)))
	return id, nil
}

// Function returns the loaded keying function, loading and caching it on
// first use. Functions stay loaded until the DB is closed.
func (db *DB) Function(ctx context.Context, id uint64) (*keyfn.Function, error) {
	if f, ok := db.functions.Load(id); ok {
		return f, nil
	}
	if db.closed.Load() {
		return nil, ErrClosed
	}

	var rec *functionRecord
	err := db.view(func(t *tx) error {
		var err error
		rec, err = t.functionRecord(id)
		if rec != nil {
			rec.Code = clone(rec.Code)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: id %d", ErrFunctionNotFound, id)
	}

	f, err := db.rt.Load(ctx, id, rec.Code)
	if err != nil {
		return nil, err
	}
	if f.KeyLen() != rec.KeyLen {
		db.closeLogged(ctx, f, "mismatched instance")
		return nil, fmt.Errorf("keying function %d declares key length %d, registered with %d", id, f.KeyLen(), rec.KeyLen)
	}

	actual, loaded := db.functions.LoadOrStore(id, f)
	if loaded {
		db.closeLogged(ctx, f, "duplicate instance")
	} else if db.verbose {
		db.logger.LogAttrs(ctx, slog.LevelDebug, "qdb: keying function loaded", slog.Uint64("id", id), slog.Int("key_length", f.KeyLen()))
	}
	return actual, nil
}

// FunctionByName resolves a registered function name and loads it.
func (db *DB) FunctionByName(ctx context.Context, name string) (*keyfn.Function, error) {
	id, found, err := db.NameOf(NamedFunction, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	return db.Function(ctx, id)
}

type closer interface {
	Close(ctx context.Context) error
}

// closeLogged closes an unshared keying function, logging failures at debug
// level.
func (db *DB) closeLogged(ctx context.Context, c closer, what string) {
	if err := c.Close(ctx); err != nil {
		db.logger.LogAttrs(ctx, slog.LevelDebug, "qdb: closing keying function failed", slog.String("what", what), slog.Any("err", err))
	}
}
