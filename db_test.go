package qdb

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/andreyvit/qdb/internal/wasmtest"
	"github.com/andreyvit/qdb/keyfn"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func TestDB(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		registerFn(t, db, "first", wasmtest.PassThrough(1))
		idx := must(db.CreateIndex(ctx, "jobs", "by_first", "first", OrderedHash))

		var ids []uint64
		for _, item := range []string{"delta", "bravo", "alpha", "charlie"} {
			ids = append(ids, must(db.AddItem(ctx, "jobs", []byte(item))))
		}
		for i := 1; i < len(ids); i++ {
			if ids[i] <= ids[i-1] {
				t.Fatalf("item ids not increasing: %v", ids)
			}
		}

		q := must(db.LookupQueue("jobs"))
		for i, item := range []string{"delta", "bravo", "alpha", "charlie"} {
			got, found, err := q.Get(ids[i])
			if err != nil || !found || string(got) != item {
				t.Fatalf("Get(%d) = (%q, %v, %v), wanted (%q, true, nil)", ids[i], got, found, err, item)
			}
		}

		deepEqual(t, indexOrder(t, idx), []uint64{ids[2], ids[1], ids[3], ids[0]})
	})
}

func TestNameA(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		a := must(db.NameA(NamedQueue, "alpha"))
		if again := must(db.NameA(NamedQueue, "alpha")); again != a {
			t.Fatalf("NameA again = %d, wanted %d", again, a)
		}
		b := must(db.NameA(NamedQueue, "beta"))
		if b == a {
			t.Fatalf("distinct names got the same id %d", a)
		}
		other := must(db.NameA(NamedIndex, "alpha"))
		if other == a {
			t.Fatalf("index and queue named alpha share id %d", a)
		}

		id, found, err := db.NameOf(NamedQueue, "alpha")
		if err != nil || !found || id != a {
			t.Fatalf("NameOf = (%d, %v, %v), wanted (%d, true, nil)", id, found, err, a)
		}
		name, found, err := db.NameFor(NamedQueue, a)
		if err != nil || !found || name != "alpha" {
			t.Fatalf("NameFor = (%q, %v, %v), wanted (alpha, true, nil)", name, found, err)
		}
		if _, found, _ := db.NameFor(NamedFunction, a); found {
			t.Fatalf("NameFor(function, %d) found a queue name", a)
		}
		if _, found, _ := db.NameOf(NamedFunction, "alpha"); found {
			t.Fatalf("NameOf(function, alpha) found a queue name")
		}

		if _, err := db.NameA(NamedQueue, ""); !errors.Is(err, ErrEmptyName) {
			t.Fatalf("NameA(empty) err = %v, wanted ErrEmptyName", err)
		}
		var ee *EncodingError
		if _, err := db.NameA(NamedQueue, "\xff\xfe"); !errors.As(err, &ee) {
			t.Fatalf("NameA(invalid utf-8) err = %v, wanted *EncodingError", err)
		}
	})
}

func TestNameA_Concurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		const n = 16
		ids := make([]uint64, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ids[i], errs[i] = db.NameA(NamedQueue, "contended")
			}()
		}
		wg.Wait()
		for i := range n {
			if errs[i] != nil {
				t.Fatalf("NameA #%d: %v", i, errs[i])
			}
			if ids[i] != ids[0] {
				t.Fatalf("NameA #%d = %d, wanted %d (all ids: %v)", i, ids[i], ids[0], ids)
			}
		}
		name, found, err := db.NameFor(NamedQueue, ids[0])
		if err != nil || !found || name != "contended" {
			t.Fatalf("NameFor = (%q, %v, %v), wanted (contended, true, nil)", name, found, err)
		}
	})
}

func TestNameFor_InvalidUTF8(t *testing.T) {
	db := setup(t)
	ensure(db.update(func(t *tx) error {
		b := must(t.names())
		return b.Put(idKey(NamedQueue, 99), []byte{0xff, 0xfe})
	}))
	_, _, err := db.NameFor(NamedQueue, 99)
	var ee *EncodingError
	if !errors.As(err, &ee) {
		t.Fatalf("NameFor err = %v, wanted *EncodingError", err)
	}
}

func TestQueue_AddGetDel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		q := must(db.Queue("q"))
		if n := must(q.Len()); n != 0 {
			t.Fatalf("Len of new queue = %d, wanted 0", n)
		}
		if _, found, err := q.Get(1); found || err != nil {
			t.Fatalf("Get on queue without storage = (%v, %v), wanted (false, nil)", found, err)
		}

		a := must(q.Add([]byte("a")))
		empty := must(q.Add(nil))
		if empty <= a {
			t.Fatalf("ids not increasing: %d then %d", a, empty)
		}

		got, found, err := q.Get(empty)
		if err != nil || !found || got == nil || len(got) != 0 {
			t.Fatalf("Get(empty item) = (%v, %v, %v), wanted ([], true, nil)", got, found, err)
		}

		ensure(q.Del(a))
		if _, found, _ := q.Get(a); found {
			t.Fatalf("Get after Del found the item")
		}
		ensure(q.Del(a))
		if n := must(q.Len()); n != 1 {
			t.Fatalf("Len = %d, wanted 1", n)
		}
	})
}

func TestQueue_ScanInInsertionOrder(t *testing.T) {
	db := setup(t)
	q := must(db.Queue("q"))
	var want []uint64
	for i := range 300 {
		want = append(want, must(q.Add([]byte(fmt.Sprint(i)))))
	}

	var got []uint64
	ensure(q.Scan(func(id uint64, item []byte) error {
		got = append(got, id)
		return nil
	}))
	deepEqual(t, got, want)

	var n int
	ensure(q.Scan(func(id uint64, item []byte) error {
		n++
		if n == 5 {
			return Break
		}
		return nil
	}))
	if n != 5 {
		t.Fatalf("Scan with Break visited %d items, wanted 5", n)
	}

	batch := must(q.batchAfter(want[9], 4))
	if len(batch) != 4 || batch[0].id != want[10] || string(batch[0].item) != "10" {
		t.Fatalf("batchAfter = %v, wanted 4 items starting at %d", batch, want[10])
	}
}

func TestIndex_NthAndPop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		registerFn(t, db, "first", wasmtest.PassThrough(1))
		idx := must(db.CreateIndex(ctx, "q", "i", "first", OrderedHash))

		if id, ok, err := idx.Nth(1); ok || err != nil || id != 0 {
			t.Fatalf("Nth on empty = (%d, %v, %v), wanted (0, false, nil)", id, ok, err)
		}
		if _, ok, err := idx.Pop(); ok || err != nil {
			t.Fatalf("Pop on empty = (%v, %v), wanted (false, nil)", ok, err)
		}

		ids := map[string]uint64{}
		for _, s := range []string{"d", "b", "a", "c"} {
			ids[s] = must(db.AddItem(ctx, "q", []byte(s)))
		}

		nthIs(t, idx, 1, ids["a"])
		nthIs(t, idx, 0, ids["a"])
		nthIs(t, idx, 3, ids["c"])
		nthIs(t, idx, 4, ids["d"])
		nthIs(t, idx, 100, ids["d"])
		if id, ok, err := idx.First(); !ok || err != nil || id != ids["a"] {
			t.Fatalf("First = (%d, %v, %v), wanted %d", id, ok, err, ids["a"])
		}

		popIs(t, idx, 2, ids["b"])
		if n := must(idx.Len()); n != 3 {
			t.Fatalf("Len after PopNth = %d, wanted 3", n)
		}
		nthIs(t, idx, 2, ids["c"])
		popIs(t, idx, 1000, ids["d"])
		popIs(t, idx, 0, ids["a"])
		if id, ok, err := idx.Pop(); !ok || err != nil || id != ids["c"] {
			t.Fatalf("Pop = (%d, %v, %v), wanted %d", id, ok, err, ids["c"])
		}
		if _, ok, _ := idx.Pop(); ok {
			t.Fatalf("Pop on drained index ok = true")
		}

		// popping an index entry leaves the item in the queue
		q := must(db.LookupQueue("q"))
		if n := must(q.Len()); n != 4 {
			t.Fatalf("queue Len after pops = %d, wanted 4", n)
		}
	})
}

func TestIndex_PopConcurrent(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	registerFn(t, db, "first", wasmtest.PassThrough(4))
	idx := must(db.CreateIndex(ctx, "q", "i", "first", OrderedHash))
	const n = 40
	for i := range n {
		must(db.AddItem(ctx, "q", []byte(fmt.Sprintf("%04d", i))))
	}

	var mu sync.Mutex
	seen := map[uint64]int{}
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok, err := idx.Pop()
				if err != nil {
					t.Error(err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("popped %d distinct items, wanted %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("item %d popped %d times", id, c)
		}
	}
}

func TestIndex_OrderedLastWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		registerFn(t, db, "static", wasmtest.Static([8]byte{1, 2, 3, 4, 5, 6, 7, 8}))
		idx := must(db.CreateIndex(ctx, "q", "dedup", "static", Ordered))

		var last uint64
		for _, s := range []string{"x", "y", "z"} {
			last = must(db.AddItem(ctx, "q", []byte(s)))
		}
		if n := must(idx.Len()); n != 1 {
			t.Fatalf("Len = %d, wanted 1", n)
		}
		var keys [][]byte
		ensure(idx.Scan(func(key []byte, itemID uint64) error {
			keys = append(keys, bytes.Clone(key))
			if itemID != last {
				t.Errorf("entry points at %d, wanted %d", itemID, last)
			}
			return nil
		}))
		deepEqual(t, keys, [][]byte{{1, 2, 3, 4, 5, 6, 7, 8}})
	})
}

func TestIndex_OrderedHashKeepsTies(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		registerFn(t, db, "static", wasmtest.Static([8]byte{1, 2, 3, 4, 5, 6, 7, 8}))
		idx := must(db.CreateIndex(ctx, "q", "tied", "static", OrderedHash))

		a := must(db.AddItem(ctx, "q", []byte("first")))
		b := must(db.AddItem(ctx, "q", []byte("second")))
		if n := must(idx.Len()); n != 2 {
			t.Fatalf("Len = %d, wanted 2", n)
		}

		got := indexOrder(t, idx)
		slices.Sort(got)
		deepEqual(t, got, []uint64{a, b})

		q := must(db.LookupQueue("q"))
		seen := map[uint64]bool{}
		for range 2 {
			id, ok, err := idx.Pop()
			if err != nil || !ok {
				t.Fatalf("Pop = (%d, %v, %v)", id, ok, err)
			}
			if _, found, err := q.Get(id); err != nil || !found {
				t.Fatalf("Get(%d) = (found %v, %v) after Pop", id, found, err)
			}
			seen[id] = true
		}
		if !seen[a] || !seen[b] {
			t.Fatalf("popped %v, wanted both %d and %d", seen, a, b)
		}
	})
}

func TestIndex_XorOrdered(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	registerFn(t, db, "xor", wasmtest.Xor())
	idx := must(db.CreateIndex(ctx, "q", "by_xor", "xor", Ordered))

	must(db.AddItem(ctx, "q", []byte{0x01, 0x02}))      // 03
	b := must(db.AddItem(ctx, "q", []byte{0x10}))       // 10
	c := must(db.AddItem(ctx, "q", []byte{0x04, 0x07})) // 03, replaces the first
	d := must(db.AddItem(ctx, "q", []byte{0x01, 0x00})) // 01

	var keys []string
	var items []uint64
	ensure(idx.Scan(func(key []byte, itemID uint64) error {
		keys = append(keys, hex.EncodeToString(key))
		items = append(items, itemID)
		return nil
	}))
	deepEqual(t, keys, []string{"01", "03", "10"})
	deepEqual(t, items, []uint64{d, c, b})
}

func TestIndex_SipHash(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	registerFn(t, db, "first", wasmtest.PassThrough(1))
	idx := must(db.CreateIndex(ctx, "q", "shuffled", "first", SipHash))

	for _, s := range []string{"a", "a2", "b", "c"} {
		must(db.AddItem(ctx, "q", []byte(s)))
	}
	if n := must(idx.Len()); n != 4 {
		t.Fatalf("Len = %d, wanted 4", n)
	}
	ensure(idx.Scan(func(key []byte, itemID uint64) error {
		if len(key) != 16 {
			t.Errorf("key %x has length %d, wanted 16", key, len(key))
		}
		return nil
	}))
}

func TestIndex_PassThrough64(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	registerFn(t, db, "p64", wasmtest.PassThrough(64))
	idx := must(db.CreateIndex(ctx, "q", "by_prefix", "p64", OrderedHash))

	long := func(c byte, tail string) []byte {
		return append(bytes.Repeat([]byte{c}, 64), tail...)
	}
	b := must(db.AddItem(ctx, "q", long('b', "")))
	a := must(db.AddItem(ctx, "q", long('a', "and then some")))
	ensure(idx.Scan(func(key []byte, itemID uint64) error {
		if len(key) != 72 {
			t.Errorf("key length = %d, wanted 72", len(key))
		}
		return nil
	}))
	deepEqual(t, indexOrder(t, idx), []uint64{a, b})

	fn := must(db.FunctionByName(ctx, "p64"))
	key := must(fn.Call(ctx, long('z', "tail")))
	deepEqual(t, key, bytes.Repeat([]byte{'z'}, 64))
}

func TestIndex_ZeroLengthKeys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		registerFn(t, db, "zero", wasmtest.Zero())
		hashed := must(db.CreateIndex(ctx, "q", "hashed", "zero", OrderedHash))
		ordered := must(db.CreateIndex(ctx, "q", "ordered", "zero", Ordered))

		id, err := db.AddItem(ctx, "q", []byte("item"))
		var ae *AddError
		if !errors.As(err, &ae) {
			t.Fatalf("AddItem err = %v, wanted *AddError", err)
		}
		var ee *EncodingError
		if !errors.As(err, &ee) {
			t.Fatalf("AddItem err = %v, wanted to wrap *EncodingError", err)
		}
		if ae.Item != id || id == 0 {
			t.Fatalf("AddError.Item = %d, returned id = %d", ae.Item, id)
		}
		deepEqual(t, ae.Indexed, []uint64{hashed.ID()})

		if n := must(hashed.Len()); n != 1 {
			t.Fatalf("hashed Len = %d, wanted 1", n)
		}
		if n := must(ordered.Len()); n != 0 {
			t.Fatalf("ordered Len = %d, wanted 0", n)
		}
	})
}

func TestAddItem_FunctionFailure(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		registerFn(t, db, "bad", wasmtest.Status(-7))
		registerFn(t, db, "good", wasmtest.PassThrough(1))
		bad := must(db.CreateIndex(ctx, "q", "bad", "bad", OrderedHash))
		good := must(db.CreateIndex(ctx, "q", "good", "good", OrderedHash))

		id, err := db.AddItem(ctx, "q", []byte("hello"))
		var ae *AddError
		if !errors.As(err, &ae) {
			t.Fatalf("AddItem err = %v, wanted *AddError", err)
		}
		if ae.Queue != "q" || ae.Item != id {
			t.Fatalf("AddError = %+v, wanted queue q, item %d", ae, id)
		}
		deepEqual(t, ae.Indexed, []uint64{good.ID()})

		var ce *keyfn.CallError
		if !errors.As(err, &ce) || ce.Status != -7 || !ce.ModuleDefined() {
			t.Fatalf("AddItem err = %v, wanted *keyfn.CallError with status -7", err)
		}
		if !strings.Contains(err.Error(), "bad") {
			t.Fatalf("AddItem err = %q, wanted it to name the failing index", err)
		}

		q := must(db.LookupQueue("q"))
		if item, found, _ := q.Get(id); !found || string(item) != "hello" {
			t.Fatalf("item not stored after partial failure")
		}
		if n := must(bad.Len()); n != 0 {
			t.Fatalf("bad index Len = %d, wanted 0", n)
		}
		if n := must(good.Len()); n != 1 {
			t.Fatalf("good index Len = %d, wanted 1", n)
		}

		var buf bytes.Buffer
		db.WriteMetrics(&buf)
		if !strings.Contains(buf.String(), "qdb_add_errors_total 1") {
			t.Fatalf("metrics missing add error count:\n%s", buf.String())
		}
	})
}

func TestAddItem_Concurrent(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	registerFn(t, db, "first", wasmtest.PassThrough(2))
	idx := must(db.CreateIndex(ctx, "q", "i", "first", OrderedHash))
	registerFn(t, db, "xor", wasmtest.Xor())
	other := must(db.CreateIndex(ctx, "q", "x", "xor", OrderedHash))

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 20 {
				if _, err := db.AddItem(ctx, "q", []byte(fmt.Sprintf("w%d-%d", w, i))); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	q := must(db.LookupQueue("q"))
	for _, n := range []int{must(q.Len()), must(idx.Len()), must(other.Len())} {
		if n != 160 {
			t.Fatalf("Len = %d, wanted 160", n)
		}
	}
}

func TestDelete_DoesNotCascade(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		registerFn(t, db, "first", wasmtest.PassThrough(1))
		idx := must(db.CreateIndex(ctx, "q", "i", "first", OrderedHash))
		id := must(db.AddItem(ctx, "q", []byte("gone")))

		q := must(db.LookupQueue("q"))
		ensure(q.Del(id))
		if _, found, _ := q.Get(id); found {
			t.Fatalf("item still present after Del")
		}
		nthIs(t, idx, 1, id)
	})
}

func TestCreateIndex(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		registerFn(t, db, "first", wasmtest.PassThrough(1))
		registerFn(t, db, "xor", wasmtest.Xor())

		for _, s := range []string{"c", "a", "b"} {
			must(db.AddItem(ctx, "q", []byte(s)))
		}

		idx := must(db.CreateIndex(ctx, "q", "i", "first", OrderedHash))
		if n := must(idx.Len()); n != 3 {
			t.Fatalf("backfilled Len = %d, wanted 3", n)
		}
		if idx.Name() != "i" || idx.Mode() != OrderedHash || idx.Rev() != 0 {
			t.Fatalf("index = %v", idx)
		}

		again := must(db.CreateIndex(ctx, "q", "i", "first", OrderedHash))
		deepEqual(t, again.Desc(), idx.Desc())

		if _, err := db.CreateIndex(ctx, "q", "i", "xor", OrderedHash); !errors.Is(err, ErrIndexExists) {
			t.Fatalf("rebinding function err = %v, wanted ErrIndexExists", err)
		}
		if _, err := db.CreateIndex(ctx, "q", "i", "first", Ordered); !errors.Is(err, ErrIndexExists) {
			t.Fatalf("changing mode err = %v, wanted ErrIndexExists", err)
		}
		if _, err := db.CreateIndex(ctx, "other", "i", "first", OrderedHash); !errors.Is(err, ErrIndexExists) {
			t.Fatalf("moving queue err = %v, wanted ErrIndexExists", err)
		}
		if _, err := db.CreateIndex(ctx, "q", "j", "missing", OrderedHash); !errors.Is(err, ErrFunctionNotFound) {
			t.Fatalf("unknown function err = %v, wanted ErrFunctionNotFound", err)
		}
		if _, err := db.CreateIndex(ctx, "q", "j", "first", nil); !errors.Is(err, ErrUnknownMode) {
			t.Fatalf("nil mode err = %v, wanted ErrUnknownMode", err)
		}
		if _, err := db.CreateIndex(ctx, "q", "", "first", Ordered); !errors.Is(err, ErrEmptyName) {
			t.Fatalf("empty name err = %v, wanted ErrEmptyName", err)
		}

		got := must(db.Index("q", "i"))
		deepEqual(t, got.Desc(), idx.Desc())
		if _, err := db.Index("q", "nope"); !errors.Is(err, ErrIndexNotFound) {
			t.Fatalf("Index(nope) err = %v, wanted ErrIndexNotFound", err)
		}
		if _, err := db.Index("nope", "i"); !errors.Is(err, ErrQueueNotFound) {
			t.Fatalf("Index(nope queue) err = %v, wanted ErrQueueNotFound", err)
		}

		idxs := must(must(db.LookupQueue("q")).Indexes())
		if len(idxs) != 1 || idxs[0].Name() != "i" {
			t.Fatalf("Indexes = %v, wanted [i]", idxs)
		}
	})
}

func TestRegisterFunction(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		code := wasmtest.PassThrough(3)
		id := registerFn(t, db, "f", code)
		if again := registerFn(t, db, "f", code); again != id {
			t.Fatalf("re-registering identical code = %d, wanted %d", again, id)
		}
		if _, err := db.RegisterFunction(ctx, "f", wasmtest.Xor()); !errors.Is(err, ErrFunctionExists) {
			t.Fatalf("re-registering different code err = %v, wanted ErrFunctionExists", err)
		}

		var le *keyfn.LoadError
		if _, err := db.RegisterFunction(ctx, "broken", wasmtest.MissingKeyFactory()); !errors.As(err, &le) {
			t.Fatalf("registering invalid module err = %v, wanted *keyfn.LoadError", err)
		}
		if _, found, _ := db.NameOf(NamedFunction, "broken"); found {
			t.Fatalf("invalid module left a registered name")
		}

		fn := must(db.Function(ctx, id))
		if fn.KeyLen() != 3 || fn.ID() != id {
			t.Fatalf("Function = (id %d, key length %d), wanted (%d, 3)", fn.ID(), fn.KeyLen(), id)
		}
		if same := must(db.Function(ctx, id)); same != fn {
			t.Fatalf("Function not cached")
		}
		if _, err := db.Function(ctx, id+1000); !errors.Is(err, ErrFunctionNotFound) {
			t.Fatalf("Function(unknown) err = %v, wanted ErrFunctionNotFound", err)
		}
		if _, err := db.FunctionByName(ctx, "nope"); !errors.Is(err, ErrFunctionNotFound) {
			t.Fatalf("FunctionByName(nope) err = %v, wanted ErrFunctionNotFound", err)
		}
	})
}

func TestReindex(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		registerFn(t, db, "first", wasmtest.PassThrough(2))
		idx := must(db.CreateIndex(ctx, "q", "i", "first", OrderedHash))

		const n = reindexBatchSize + 10
		for i := range n {
			must(db.AddItem(ctx, "q", []byte(fmt.Sprintf("%04d", i))))
		}
		before := indexOrder(t, idx)

		for range 20 {
			if _, _, err := idx.Pop(); err != nil {
				t.Fatal(err)
			}
		}
		if got := must(idx.Len()); got != n-20 {
			t.Fatalf("Len after pops = %d, wanted %d", got, n-20)
		}

		if got := must(idx.Reindex(ctx)); got != n {
			t.Fatalf("Reindex = %d, wanted %d", got, n)
		}
		deepEqual(t, indexOrder(t, idx), before)

		if got := must(idx.Reindex(ctx)); got != n {
			t.Fatalf("second Reindex = %d, wanted %d", got, n)
		}
		if got := must(idx.Len()); got != n {
			t.Fatalf("Len after second Reindex = %d, wanted %d", got, n)
		}
	})
}

func TestRegistry_ScanAndRebuild(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		registerFn(t, db, "first", wasmtest.PassThrough(1))
		a := must(db.CreateIndex(ctx, "q", "a", "first", OrderedHash))
		b := must(db.CreateIndex(ctx, "q", "b", "first", Ordered))
		c := must(db.CreateIndex(ctx, "other", "c", "first", SipHash))

		descs := must(db.ScanIndexes(a.QueueID()))
		deepEqual(t, descs, []IndexDesc{a.Desc(), b.Desc()})
		deepEqual(t, must(db.ScanIndexes(c.QueueID())), []IndexDesc{c.Desc()})

		ensure(db.update(func(t *tx) error {
			reg := must(t.registry())
			return reg.Delete(registryKey(a.Desc()))
		}))
		if got := must(must(db.LookupQueue("q")).Indexes()); len(got) != 1 {
			t.Fatalf("Indexes after dropping a registry entry = %v, wanted 1 index", got)
		}

		if n := must(db.RebuildRegistry(ctx)); n != 3 {
			t.Fatalf("RebuildRegistry = %d, wanted 3", n)
		}
		got := must(must(db.LookupQueue("q")).Indexes())
		var names []string
		for _, idx := range got {
			names = append(names, idx.Name())
		}
		deepEqual(t, names, []string{"a", "b"})
	})
}

func TestStatsAndDump(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		registerFn(t, db, "first", wasmtest.PassThrough(1))
		must(db.CreateIndex(ctx, "jobs", "by_first", "first", OrderedHash))
		for _, s := range []string{"one", "two", "three"} {
			must(db.AddItem(ctx, "jobs", []byte(s)))
		}
		must(db.AddItem(ctx, "plain", []byte{0x00, 0x01}))

		stats := must(db.Stats())
		if len(stats) != 2 {
			t.Fatalf("Stats = %+v, wanted 2 queues", stats)
		}
		byName := map[string]QueueStats{}
		for _, qs := range stats {
			byName[qs.Name] = qs
		}
		jobs := byName["jobs"]
		if jobs.Items != 3 || len(jobs.Indexes) != 1 || jobs.Indexes[0].Entries != 3 || jobs.IndexEntries() != 3 {
			t.Fatalf("jobs stats = %+v", jobs)
		}
		if byName["plain"].Items != 1 || len(byName["plain"].Indexes) != 0 {
			t.Fatalf("plain stats = %+v", byName["plain"])
		}

		dump := must(db.Dump(DumpAll))
		for _, want := range []string{"jobs (3 items)", `"three"`, "jobs.i.by_first", "ordered-hash", "plain (1 items)", "0x0001", "names.Q.\"jobs\"", "functions."} {
			if !strings.Contains(dump, want) {
				t.Errorf("Dump missing %q:\n%s", want, dump)
			}
		}
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	dbFile := must(os.CreateTemp("", "qdb_reopen_*.db"))
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db := must(Open(ctx, dbFile.Name(), Options{IsTesting: true}))
	registerFn(t, db, "first", wasmtest.PassThrough(1))
	must(db.CreateIndex(ctx, "q", "i", "first", OrderedHash))
	b := must(db.AddItem(ctx, "q", []byte("b")))
	ensure(db.Close(ctx))
	ensure(db.Close(ctx))

	if _, err := db.AddItem(ctx, "q", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("AddItem after Close err = %v, wanted ErrClosed", err)
	}

	db = must(Open(ctx, dbFile.Name(), Options{IsTesting: true}))
	defer db.Close(ctx)
	a := must(db.AddItem(ctx, "q", []byte("a")))
	if a <= b {
		t.Fatalf("id after reopen = %d, wanted > %d", a, b)
	}
	idx := must(db.Index("q", "i"))
	deepEqual(t, indexOrder(t, idx), []uint64{a, b})
}

func TestSharedRuntime(t *testing.T) {
	ctx := context.Background()
	rt := must(keyfn.NewRuntime(ctx, keyfn.Options{}))
	defer rt.Close(ctx)

	db1 := must(OpenMem(ctx, Options{Runtime: rt, IsTesting: true}))
	db2 := must(OpenMem(ctx, Options{Runtime: rt, IsTesting: true}))
	registerFn(t, db1, "f", wasmtest.PassThrough(1))
	registerFn(t, db2, "f", wasmtest.PassThrough(1))
	must(db1.Function(ctx, must(db1.NameA(NamedFunction, "f"))))
	must(db2.Function(ctx, must(db2.NameA(NamedFunction, "f"))))

	ensure(db1.Close(ctx))
	if db2.Runtime() != rt {
		t.Fatalf("Runtime() is not the shared runtime")
	}
	fn := must(db2.FunctionByName(ctx, "f"))
	deepEqual(t, must(fn.Call(ctx, []byte("z"))), []byte("z"))
	ensure(db2.Close(ctx))
}

func forEachBackend(t *testing.T, f func(t *testing.T, db *DB)) {
	t.Run("bolt", func(t *testing.T) {
		f(t, setup(t))
	})
	t.Run("mem", func(t *testing.T) {
		f(t, setupMem(t))
	})
}

func setup(t testing.TB) *DB {
	t.Helper()

	dbFile := must(os.CreateTemp("", "qdb_test_*.db"))
	t.Logf("DB: %s", dbFile.Name())
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db := must(Open(context.Background(), dbFile.Name(), Options{
		IsTesting: true,
	}))
	t.Cleanup(func() { db.Close(context.Background()) })
	return db
}

func setupMem(t testing.TB) *DB {
	t.Helper()
	db := must(OpenMem(context.Background(), Options{IsTesting: true}))
	t.Cleanup(func() { db.Close(context.Background()) })
	return db
}

func registerFn(t testing.TB, db *DB, name string, code []byte) uint64 {
	t.Helper()
	id, err := db.RegisterFunction(context.Background(), name, code)
	if err != nil {
		t.Fatalf("RegisterFunction(%s): %v", name, err)
	}
	return id
}

func indexOrder(t testing.TB, idx *Index) []uint64 {
	t.Helper()
	var ids []uint64
	ensure(idx.Scan(func(key []byte, itemID uint64) error {
		ids = append(ids, itemID)
		return nil
	}))
	return ids
}

func nthIs(t testing.TB, idx *Index, n, want uint64) {
	t.Helper()
	id, ok, err := idx.Nth(n)
	if err != nil || !ok || id != want {
		t.Fatalf("Nth(%d) = (%d, %v, %v), wanted (%d, true, nil)", n, id, ok, err, want)
	}
}

func popIs(t testing.TB, idx *Index, n, want uint64) {
	t.Helper()
	id, ok, err := idx.PopNth(n)
	if err != nil || !ok || id != want {
		t.Fatalf("PopNth(%d) = (%d, %v, %v), wanted (%d, true, nil)", n, id, ok, err, want)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}
