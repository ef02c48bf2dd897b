package qdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"unicode/utf8"
)

// Named is a kind of named entity. Each kind has its own name → id mapping.
type Named int

const (
	NamedQueue Named = iota + 1
	NamedIndex
	NamedFunction
)

// fwd is the record key prefix of the name → id direction.
func (k Named) fwd() byte {
	switch k {
	case NamedQueue:
		return 'Q'
	case NamedIndex:
		return 'I'
	case NamedFunction:
		return 'F'
	default:
		panic(fmt.Errorf("invalid Named %d", int(k)))
	}
}

// rev is the record key prefix of the id → name direction.
func (k Named) rev() byte {
	switch k {
	case NamedQueue:
		return 'q'
	case NamedIndex:
		return 'i'
	case NamedFunction:
		return 'f'
	default:
		panic(fmt.Errorf("invalid Named %d", int(k)))
	}
}

func (k Named) String() string {
	switch k {
	case NamedQueue:
		return "queue"
	case NamedIndex:
		return "index"
	case NamedFunction:
		return "function"
	default:
		return fmt.Sprintf("Named(%d)", int(k))
	}
}

func nameKey(kind Named, name string) []byte {
	bb := makeBytesBuilder(1 + len(name))
	bb.AppendByte(kind.fwd())
	bb.AppendRaw([]byte(name))
	return bb.Buf
}

func idKey(kind Named, id uint64) []byte {
	bb := makeBytesBuilder(9)
	bb.AppendByte(kind.rev())
	bb.AppendFixedUint64LE(id)
	return bb.Buf
}

func checkName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if !utf8.ValidString(name) {
		return encodingErrf([]byte(name), 0, nil, "name is not valid UTF-8")
	}
	return nil
}

func decodeNameID(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, encodingErrf(raw, 0, nil, "invalid name id length %d", len(raw))
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func (t *tx) names() (storageBucket, error) {
	b := t.bucket(nameLookupsNamespace)
	if b == nil {
		return nil, storageErr("names", nameLookupsNamespace, errMissingNamespace)
	}
	return b, nil
}

func (t *tx) nameOf(kind Named, name string) (uint64, bool, error) {
	b, err := t.names()
	if err != nil {
		return 0, false, err
	}
	raw := b.Get(nameKey(kind, name))
	if raw == nil {
		return 0, false, nil
	}
	id, err := decodeNameID(raw)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (t *tx) nameFor(kind Named, id uint64) (string, bool, error) {
	b, err := t.names()
	if err != nil {
		return "", false, err
	}
	raw := b.Get(idKey(kind, id))
	if raw == nil {
		return "", false, nil
	}
	if !utf8.Valid(raw) {
		return "", false, encodingErrf(raw, 0, nil, "%v %d name is not valid UTF-8", kind, id)
	}
	return string(raw), true, nil
}

// NameFor returns the name registered for an id of the given kind.
func (db *DB) NameFor(kind Named, id uint64) (name string, found bool, err error) {
	err = db.view(func(t *tx) error {
		name, found, err = t.nameFor(kind, id)
		return err
	})
	return
}

// NameOf returns the id registered for a name of the given kind.
func (db *DB) NameOf(kind Named, name string) (id uint64, found bool, err error) {
	if name == "" {
		return 0, false, ErrEmptyName
	}
	err = db.view(func(t *tx) error {
		id, found, err = t.nameOf(kind, name)
		return err
	})
	return
}

// NameA returns the id of a name, registering the name if it is new.
//
// The id is allocated before the forward record is compare-and-swapped in. A
// caller that loses the race discards its id and adopts the winner's, so
// concurrent first registrations agree on one id. Discarded ids leave gaps.
func (db *DB) NameA(kind Named, name string) (uint64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}

	id, found, err := db.NameOf(kind, name)
	if err != nil || found {
		return id, err
	}

	candidate, err := db.generateID()
	if err != nil {
		return 0, err
	}

	err = db.update(func(t *tx) error {
		b, err := t.names()
		if err != nil {
			return err
		}
		fwd := nameKey(kind, name)
		if raw := b.Get(fwd); raw != nil {
			id, err = decodeNameID(raw)
			return err
		}
		if err := b.Put(fwd, leUint64Bytes(candidate)); err != nil {
			return storageErr("put name", nameLookupsNamespace, err)
		}
		if err := b.Put(idKey(kind, candidate), []byte(name)); err != nil {
			return storageErr("put name", nameLookupsNamespace, err)
		}
		id = candidate
		return nil
	})
	if err != nil {
		return 0, err
	}
	if id != candidate {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "qdb: lost name registration race", slog.String("kind", kind.String()), slog.String("name", name), slog.Uint64("id", id), slog.Uint64("discarded", candidate))
	} else if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "qdb: name registered", slog.String("kind", kind.String()), slog.String("name", name), slog.Uint64("id", id))
	}
	return id, nil
}
