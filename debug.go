package qdb

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type DumpFlags uint64

const (
	DumpQueueHeaders = DumpFlags(1 << iota)
	DumpItems
	DumpStats
	DumpIndexes
	DumpIndexEntries
	DumpFunctions
	DumpNames

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)

	dumpMaxItem = 64
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the database contents for debugging and tests.
func (db *DB) Dump(f DumpFlags) (string, error) {
	var buf strings.Builder
	err := db.view(func(t *tx) error {
		return t.dump(&buf, f)
	})
	return buf.String(), err
}

func (t *tx) dump(w *strings.Builder, f DumpFlags) error {
	if f.Contains(DumpNames) {
		if err := t.dumpNames(w); err != nil {
			return err
		}
	}
	if f.Contains(DumpFunctions) {
		if err := t.dumpFunctions(w); err != nil {
			return err
		}
	}
	all, err := t.stats()
	if err != nil {
		return err
	}
	for _, qs := range all {
		t.dumpQueue(w, f, &qs)
	}
	return nil
}

func (t *tx) dumpNames(w *strings.Builder) error {
	b, err := t.names()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, dumpSep1)
	fmt.Fprintln(w, "names")
	return scanRange(b.Cursor(), rawRange{}, func(k, v []byte) error {
		switch {
		case len(k) == 9 && k[0] >= 'a' && k[0] <= 'z':
			id, _ := decodeNameID(k[1:])
			fmt.Fprintf(w, "names.%c.%d = %s\n", k[0], id, loggableBytes(v))
		case len(v) == 8:
			id, _ := decodeNameID(v)
			fmt.Fprintf(w, "names.%c.%s = %d\n", k[0], loggableBytes(k[1:]), id)
		default:
			fmt.Fprintf(w, "names.%s = %s ** INVALID\n", hexstr(k), hexstr(v))
		}
		return nil
	})
}

func (t *tx) dumpFunctions(w *strings.Builder) error {
	b, err := t.functionsBucket()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, dumpSep1)
	fmt.Fprintln(w, "functions")
	return scanRange(b.Cursor(), rawRange{}, func(k, _ []byte) error {
		id, err := decodeItemID(k)
		if err != nil {
			return err
		}
		name, _, _ := t.nameFor(NamedFunction, id)
		rec, err := t.functionRecord(id)
		if err != nil {
			fmt.Fprintf(w, "functions.%d (%s) ** ERROR: %v\n", id, name, err)
			return nil
		}
		fmt.Fprintf(w, "functions.%d (%s): key_length = %d, code_size = %d, created = %s\n", id, name, rec.KeyLen, len(rec.Code), rec.Created.UTC().Format(time.RFC3339))
		return nil
	})
}

func (t *tx) dumpQueue(w *strings.Builder, f DumpFlags, qs *QueueStats) {
	prefix := qs.Name
	if prefix == "" {
		prefix = fmt.Sprintf("#%d", qs.ID)
	}

	if f.Contains(DumpQueueHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d items)\n", prefix, qs.Items)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_entries = %d, data_size = %d, data_alloc = %d, total_alloc = %d\n", prefix, qs.IndexEntries(), qs.DataSize, qs.DataAlloc, qs.TotalAlloc())
	}

	if f.Contains(DumpItems) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		if b := t.bucket(queueNamespace(qs.ID)); b != nil {
			scanRange(b.Cursor(), rawRange{}, func(k, v []byte) error {
				id, err := decodeItemID(k)
				if err != nil {
					fmt.Fprintf(w, "%s.%s ** ERROR: %v\n", prefix, hexstr(k), err)
					return nil
				}
				fmt.Fprintf(w, "%s.%d = %s\n", prefix, id, loggableBytes(v))
				return nil
			})
		}
	}

	if f.Contains(DumpIndexes) {
		for _, is := range qs.Indexes {
			t.dumpIndex(w, prefix, f, &is)
		}
	}
}

func (t *tx) dumpIndex(w *strings.Builder, prefix string, f DumpFlags, is *IndexStats) {
	fmt.Fprintln(w, dumpSep2)
	prefix = prefix + ".i." + is.Name
	fmt.Fprintf(w, "%s (id %d, rev %d, %v, function %d, %d entries)\n", prefix, is.Desc.ID, is.Desc.Rev, is.Desc.Mode, is.Desc.Function, is.Entries)

	if f.Contains(DumpIndexEntries) {
		b := t.bucket(is.Desc.namespace())
		if b == nil {
			fmt.Fprintf(w, "%s ** MISSING NAMESPACE\n", prefix)
			return
		}
		var pos int
		scanRange(b.Cursor(), rawRange{}, func(k, v []byte) error {
			pos++
			id, err := decodeItemID(v)
			if err != nil {
				fmt.Fprintf(w, "%s.%d: %s ** ERROR: %v\n", prefix, pos, hexstr(k), err)
				return nil
			}
			fmt.Fprintf(w, "%s.%d: %s => %d\n", prefix, pos, hexstr(k), id)
			return nil
		})
	}
}

// loggableBytes quotes printable UTF-8 and hex-encodes everything else,
// truncating long values.
func loggableBytes(b []byte) string {
	truncated := len(b) > dumpMaxItem
	if truncated {
		b = b[:dumpMaxItem]
	}
	var s string
	if utf8.Valid(b) && isPrintable(b) {
		s = fmt.Sprintf("%q", b)
	} else {
		s = "0x" + hexstr(b)
	}
	if truncated {
		s += "..."
	}
	return s
}

func isPrintable(b []byte) bool {
	for _, r := range string(b) {
		if r < 0x20 || r == 0x7F {
			return false
		}
	}
	return true
}
