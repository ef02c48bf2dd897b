package qdb

import (
	"bytes"
)

// rawRange is a forward range of keys. A nil lower bound starts at the first
// key (or at prefix); limit 0 means unlimited.
type rawRange struct {
	prefix         []byte
	lower          []byte
	lowerExclusive bool
	limit          int
}

func (r rawRange) start(c storageCursor) ([]byte, []byte) {
	lower := r.lower
	if lower == nil {
		lower = r.prefix
	} else if r.prefix != nil && !bytes.HasPrefix(lower, r.prefix) {
		panic("lower bound does not match prefix")
	}
	if lower == nil {
		return c.First()
	}
	k, v := c.Seek(lower)
	if r.lowerExclusive && k != nil && bytes.Equal(k, lower) {
		k, v = c.Next()
	}
	return k, v
}

func (r rawRange) match(k []byte) bool {
	return r.prefix == nil || bytes.HasPrefix(k, r.prefix)
}

// scanRange calls f for each key in the range in ascending order, stopping at
// the first error (including Break, which is returned as is).
func scanRange(c storageCursor, r rawRange, f func(k, v []byte) error) error {
	var n int
	for k, v := r.start(c); k != nil && r.match(k); k, v = c.Next() {
		if err := f(k, v); err != nil {
			return err
		}
		n++
		if r.limit > 0 && n >= r.limit {
			break
		}
	}
	return nil
}
