package keyfn

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/tetratelabs/wazero"
)

// Function is a loaded keying function. It is safe for concurrent use; calls
// are serialized because each one overwrites the instance's linear memory.
type Function struct {
	rt       *Runtime
	id       uint64
	keyLen   int
	compiled wazero.CompiledModule

	mu   sync.Mutex
	inst *instance // nil once closed
}

func (f *Function) ID() uint64 {
	return f.id
}

// KeyLen is the declared length of every key this function returns.
func (f *Function) KeyLen() int {
	return f.keyLen
}

// MemoryBytes is the current size of the instance's linear memory.
func (f *Function) MemoryBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inst == nil {
		return 0
	}
	return int64(f.inst.mem.Size())
}

// Call computes the key of item. Identical input yields identical output.
func (f *Function) Call(ctx context.Context, item []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inst == nil {
		return nil, ErrClosed
	}

	f.rt.calls.Inc()
	key, err := f.callLocked(ctx, item)
	if err != nil {
		f.rt.callErrors.Inc()
		return nil, err
	}

	if f.rt.recycleBytes > 0 && int64(f.inst.mem.Size()) > f.rt.recycleBytes {
		size := f.inst.mem.Size()
		if err := f.reinstantiateLocked(ctx); err != nil {
			f.rt.logger.WarnContext(ctx, "keying function recycle failed", "function", f.id, "memory", size, "err", err)
		} else {
			f.rt.recycles.Inc()
			f.rt.logger.DebugContext(ctx, "keying function recycled", "function", f.id, "memory", size)
		}
	}
	return key, nil
}

func (f *Function) callLocked(ctx context.Context, item []byte) ([]byte, error) {
	inst := f.inst
	n := uint64(len(item))
	if n > math.MaxUint32 {
		return nil, &CallError{Function: f.id, Err: fmt.Errorf("item of %d bytes does not fit linear memory", n)}
	}
	keyLen := uint64(inst.keyLen)

	args := []uint64{InputOffset, n}
	var outOff, end uint64
	switch inst.abi {
	case abiInPlace:
		outOff = InputOffset
		end = InputOffset + max(n, keyLen)
	case abiOutputOffset:
		outOff = alignUp(InputOffset+n, outputAlign)
		end = outOff + keyLen
		args = append(args, outOff)
	}
	if err := ensureMemory(inst, end); err != nil {
		return nil, &CallError{Function: f.id, Err: err}
	}

	if n > 0 && !inst.mem.Write(InputOffset, item) {
		return nil, &CallError{Function: f.id, Err: fmt.Errorf("writing %d input bytes", n)}
	}
	// Everything read back past the input must not depend on earlier calls.
	if end > InputOffset+n {
		pad := zeroes[:end-InputOffset-n]
		if !inst.mem.Write(uint32(InputOffset+n), pad) {
			return nil, &CallError{Function: f.id, Err: fmt.Errorf("clearing %d key bytes", len(pad))}
		}
	}

	res, err := inst.factory.Call(ctx, args...)
	if err != nil {
		return nil, &CallError{Function: f.id, Err: err}
	}
	if status := int32(uint32(res[0])); status != 0 {
		return nil, &CallError{Function: f.id, Status: status}
	}

	out, ok := inst.mem.Read(uint32(outOff), uint32(keyLen))
	if !ok {
		return nil, &CallError{Function: f.id, Err: fmt.Errorf("key [%d, %d) outside linear memory of %d bytes", outOff, outOff+keyLen, inst.mem.Size())}
	}
	key := make([]byte, keyLen)
	copy(key, out)
	return key, nil
}

var zeroes [MaxKeyLength + outputAlign]byte

func ensureMemory(inst *instance, end uint64) error {
	size := uint64(inst.mem.Size())
	if end <= size {
		return nil
	}
	pages := (end - size + pageSize - 1) / pageSize
	if pages > math.MaxUint32 {
		return fmt.Errorf("cannot grow linear memory to %d bytes", end)
	}
	if _, ok := inst.mem.Grow(uint32(pages)); !ok {
		return fmt.Errorf("cannot grow linear memory from %d to %d bytes", size, end)
	}
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

// Reinstantiate replaces the module instance with a fresh one, releasing the
// memory the old instance accumulated. The new instance must declare the same
// key length.
func (f *Function) Reinstantiate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inst == nil {
		return ErrClosed
	}
	return f.reinstantiateLocked(ctx)
}

func (f *Function) reinstantiateLocked(ctx context.Context) error {
	inst, err := f.instantiate(ctx)
	if err != nil {
		return err
	}
	if inst.keyLen != f.keyLen {
		inst.mod.Close(ctx)
		return loadErrf(f.id, nil, "%s changed from %d to %d", exportKeyLength, f.keyLen, inst.keyLen)
	}
	old := f.inst
	f.inst = inst
	if err := old.mod.Close(ctx); err != nil {
		f.rt.logger.WarnContext(ctx, "closing keying function instance", "function", f.id, "err", err)
	}
	return nil
}

func (f *Function) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inst == nil {
		return nil
	}
	err := f.inst.mod.Close(ctx)
	f.inst = nil
	if cerr := f.compiled.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
