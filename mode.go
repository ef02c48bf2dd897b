package qdb

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dchest/siphash"
)

// KeyFunc computes the raw key of an item. *keyfn.Function implements it.
type KeyFunc interface {
	Call(ctx context.Context, item []byte) ([]byte, error)
}

// IndexMode derives the stored index key from a keying function's output.
type IndexMode interface {
	// Discriminant is the byte stored in the index namespace name.
	Discriminant() byte
	String() string
	Key(ctx context.Context, fn KeyFunc, item []byte) ([]byte, error)
}

const (
	modeOrdered     byte = 1
	modeOrderedHash byte = 2
	modeSipHash     byte = 3

	hashSuffixLen = 8
)

var (
	// Ordered uses the function output as is. Items with equal outputs share
	// a slot and the most recent insert wins.
	Ordered IndexMode = orderedMode{}

	// OrderedHash appends a hash of the item to the function output, so items
	// with equal outputs stay distinct and keep function-output order.
	OrderedHash IndexMode = orderedHashMode{}

	// SipHash orders by a keyed hash of the function output, breaking ties
	// by a hash of the item.
	SipHash IndexMode = sipHashMode{}
)

var allModes = []IndexMode{Ordered, OrderedHash, SipHash}

// Fixed SipHash key; changing it would reorder every existing SipHash index.
const (
	sipK0 uint64 = 0x716462206b657973
	sipK1 uint64 = 0x2073697068617368
)

func ModeByDiscriminant(b byte) (IndexMode, bool) {
	for _, m := range allModes {
		if m.Discriminant() == b {
			return m, true
		}
	}
	return nil, false
}

// ParseMode accepts the names returned by IndexMode.String.
func ParseMode(s string) (IndexMode, error) {
	for _, m := range allModes {
		if m.String() == s {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

func itemHash(item []byte) uint64 {
	return xxhash.Sum64(item)
}

func appendUint64BE(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

type orderedMode struct{}

func (orderedMode) Discriminant() byte { return modeOrdered }
func (orderedMode) String() string     { return "ordered" }

func (orderedMode) Key(ctx context.Context, fn KeyFunc, item []byte) ([]byte, error) {
	return fn.Call(ctx, item)
}

type orderedHashMode struct{}

func (orderedHashMode) Discriminant() byte { return modeOrderedHash }
func (orderedHashMode) String() string     { return "ordered-hash" }

func (orderedHashMode) Key(ctx context.Context, fn KeyFunc, item []byte) ([]byte, error) {
	out, err := fn.Call(ctx, item)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 0, len(out)+hashSuffixLen)
	key = append(key, out...)
	return appendUint64BE(key, itemHash(item)), nil
}

type sipHashMode struct{}

func (sipHashMode) Discriminant() byte { return modeSipHash }
func (sipHashMode) String() string     { return "siphash" }

func (sipHashMode) Key(ctx context.Context, fn KeyFunc, item []byte) ([]byte, error) {
	out, err := fn.Call(ctx, item)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 0, 2*hashSuffixLen)
	key = appendUint64BE(key, siphash.Hash(sipK0, sipK1, out))
	return appendUint64BE(key, itemHash(item)), nil
}
