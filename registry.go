package qdb

import (
	"context"
	"log/slog"
)

// The index registry maps a queue to its indexes. Keys are the LE queue id
// followed by the index namespace name; values are index names. Index
// namespaces are self-describing, so the registry can always be rebuilt by
// scanning namespace names (see RebuildRegistry).

func (t *tx) registry() (storageBucket, error) {
	b := t.bucket(indexRegistryNamespace)
	if b == nil {
		return nil, storageErr("registry", indexRegistryNamespace, errMissingNamespace)
	}
	return b, nil
}

func (t *tx) indexesOf(queueID uint64) ([]*Index, error) {
	b, err := t.registry()
	if err != nil {
		return nil, err
	}
	var idxs []*Index
	err = scanRange(b.Cursor(), rawRange{prefix: leUint64Bytes(queueID)}, func(k, v []byte) error {
		desc, err := parseIndexNamespace(k[8:])
		if err != nil {
			return err
		}
		idxs = append(idxs, t.db.index(desc, string(v)))
		return nil
	})
	return idxs, err
}

// allIndexes lists every registered index in registry order.
func (t *tx) allIndexes() ([]*Index, error) {
	b, err := t.registry()
	if err != nil {
		return nil, err
	}
	var idxs []*Index
	err = scanRange(b.Cursor(), rawRange{}, func(k, v []byte) error {
		if len(k) != 8+indexNamespaceLen {
			return encodingErrf(k, 0, nil, "invalid registry key length %d", len(k))
		}
		desc, err := parseIndexNamespace(k[8:])
		if err != nil {
			return err
		}
		idxs = append(idxs, t.db.index(desc, string(v)))
		return nil
	})
	return idxs, err
}

func (t *tx) register(desc IndexDesc, name string) error {
	b, err := t.registry()
	if err != nil {
		return err
	}
	return storageErr("register index", indexRegistryNamespace, b.Put(registryKey(desc), []byte(name)))
}

// scanIndexNamespaces lists index descriptors by namespace name. With
// onlyQueue set, names are matched against the queue id before parsing.
func (t *tx) scanIndexNamespaces(queueID uint64, onlyQueue bool) ([]IndexDesc, error) {
	var descs []IndexDesc
	err := t.stx.ForEachBucket(func(name []byte) error {
		if len(name) == 0 || name[0] != tagIndexStorage {
			return nil
		}
		if onlyQueue && !isIndexOfQueue(name, queueID) {
			return nil
		}
		desc, err := parseIndexNamespace(name)
		if err != nil {
			return err
		}
		descs = append(descs, desc)
		return nil
	})
	return descs, err
}

// ScanIndexes discovers the indexes of a queue from namespace names alone,
// without consulting the registry.
func (db *DB) ScanIndexes(queueID uint64) ([]IndexDesc, error) {
	var descs []IndexDesc
	err := db.view(func(t *tx) error {
		var err error
		descs, err = t.scanIndexNamespaces(queueID, true)
		return err
	})
	return descs, err
}

// RebuildRegistry replaces the registry with one derived from index namespace
// names and returns the number of indexes registered.
func (db *DB) RebuildRegistry(ctx context.Context) (int, error) {
	var n int
	err := db.update(func(t *tx) error {
		descs, err := t.scanIndexNamespaces(0, false)
		if err != nil {
			return err
		}

		b, err := t.registry()
		if err != nil {
			return err
		}
		var stale [][]byte
		err = scanRange(b.Cursor(), rawRange{}, func(k, _ []byte) error {
			stale = append(stale, clone(k))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return storageErr("rebuild registry", indexRegistryNamespace, err)
			}
		}

		for _, desc := range descs {
			name, found, err := t.nameFor(NamedIndex, desc.ID)
			if err != nil {
				return err
			}
			if !found {
				db.logger.LogAttrs(ctx, slog.LevelWarn, "qdb: index has no registered name", slog.String("index", desc.String()))
			}
			if err := t.register(desc, name); err != nil {
				return err
			}
		}
		n = len(descs)
		return nil
	})
	if err == nil {
		db.logger.LogAttrs(ctx, slog.LevelInfo, "qdb: index registry rebuilt", slog.Int("indexes", n))
	}
	return n, err
}
