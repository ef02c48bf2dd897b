package keyfn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	pageSize = 65536

	DefaultMemoryLimitPages = 1024             // 64 MiB per instance
	DefaultRecycleBytes     = 16 * 1024 * 1024 // 16 MiB

	hostModuleName = "env"
	hostLogName    = "log"
	maxLogMessage  = 64 * 1024
)

type Options struct {
	Logger *slog.Logger

	// MemoryLimitPages caps each instance's linear memory, in 64 KiB pages.
	MemoryLimitPages uint32

	// RecycleBytes is the memory size past which an instance is recreated
	// after a call. Negative disables recycling.
	RecycleBytes int64
}

// Runtime is the execution context shared by all keying functions of a
// database. Create it once and pass it wherever functions are loaded.
type Runtime struct {
	rt           wazero.Runtime
	logger       *slog.Logger
	recycleBytes int64
	gen          atomic.Uint64

	metrics    *metrics.Set
	calls      *metrics.Counter
	callErrors *metrics.Counter
	recycles   *metrics.Counter
}

func NewRuntime(ctx context.Context, opt Options) (*Runtime, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.MemoryLimitPages == 0 {
		opt.MemoryLimitPages = DefaultMemoryLimitPages
	}
	if opt.RecycleBytes == 0 {
		opt.RecycleBytes = DefaultRecycleBytes
	}

	cfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(opt.MemoryLimitPages)
	r := &Runtime{
		rt:           wazero.NewRuntimeWithConfig(ctx, cfg),
		logger:       opt.Logger,
		recycleBytes: opt.RecycleBytes,
		metrics:      metrics.NewSet(),
	}
	r.calls = r.metrics.NewCounter("qdb_keyfn_calls_total")
	r.callErrors = r.metrics.NewCounter("qdb_keyfn_call_errors_total")
	r.recycles = r.metrics.NewCounter("qdb_keyfn_recycles_total")

	_, err := r.rt.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithFunc(r.hostLog).
		Export(hostLogName).
		Instantiate(ctx)
	if err != nil {
		r.rt.Close(ctx)
		return nil, fmt.Errorf("keyfn: host module: %w", err)
	}
	return r, nil
}

func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

func (r *Runtime) WriteMetrics(w io.Writer) {
	r.metrics.WritePrometheus(w)
}

func (r *Runtime) hostLog(ctx context.Context, m api.Module, ptr uint32) {
	mem := m.Memory()
	if mem == nil {
		return
	}
	n, ok := mem.ReadUint32Le(ptr)
	if !ok {
		r.logger.WarnContext(ctx, "keying function log: pointer out of range", "module", m.Name(), "ptr", ptr)
		return
	}
	if n > maxLogMessage {
		n = maxLogMessage
	}
	msg, ok := mem.Read(ptr+4, n)
	if !ok {
		r.logger.WarnContext(ctx, "keying function log: message out of range", "module", m.Name(), "ptr", ptr, "len", n)
		return
	}
	r.logger.DebugContext(ctx, "keying function log", "module", m.Name(), "message", string(msg))
}

// Load compiles a module, instantiates it and validates its exports.
func (r *Runtime) Load(ctx context.Context, id uint64, code []byte) (*Function, error) {
	compiled, err := r.rt.CompileModule(ctx, code)
	if err != nil {
		return nil, loadErrf(id, err, "compile")
	}
	f := &Function{
		rt:       r,
		id:       id,
		compiled: compiled,
	}
	inst, err := f.instantiate(ctx)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}
	f.inst = inst
	f.keyLen = inst.keyLen
	return f, nil
}

func (r *Runtime) moduleName(id uint64) string {
	return fmt.Sprintf("keyfn-%d-%d", id, r.gen.Add(1))
}
