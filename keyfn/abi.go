package keyfn

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	exportKeyLength  = "key_length"
	exportKeyFactory = "key_factory"

	// InputOffset is where the item is copied in linear memory before key_factory runs.
	InputOffset = 0

	// MaxKeyLength keeps derived keys (plus a hash suffix) under Bolt's 32 KiB key limit.
	MaxKeyLength = 32768 - 16

	outputAlign = 8
)

type abiVariant int

const (
	abiInPlace abiVariant = iota + 1
	abiOutputOffset
)

func (v abiVariant) String() string {
	switch v {
	case abiInPlace:
		return "in-place"
	case abiOutputOffset:
		return "output-offset"
	default:
		return "unknown"
	}
}

// instance is one live module instantiation, validated against the ABI.
type instance struct {
	mod     api.Module
	mem     api.Memory
	factory api.Function
	abi     abiVariant
	keyLen  int
}

func (f *Function) instantiate(ctx context.Context) (*instance, error) {
	cfg := wazero.NewModuleConfig().
		WithName(f.rt.moduleName(f.id)).
		WithStartFunctions()
	mod, err := f.rt.rt.InstantiateModule(ctx, f.compiled, cfg)
	if err != nil {
		return nil, loadErrf(f.id, err, "instantiate")
	}
	inst, err := validate(ctx, f.id, mod)
	if err != nil {
		mod.Close(ctx)
		return nil, err
	}
	return inst, nil
}

func validate(ctx context.Context, id uint64, mod api.Module) (*instance, error) {
	mem := mod.Memory()
	if mem == nil {
		return nil, loadErrf(id, nil, "module has no linear memory")
	}

	keyLen, err := readKeyLength(ctx, id, mod)
	if err != nil {
		return nil, err
	}

	factory := mod.ExportedFunction(exportKeyFactory)
	if factory == nil {
		return nil, loadErrf(id, nil, "missing export %q", exportKeyFactory)
	}
	def := factory.Definition()
	abi, ok := abiOf(def.ParamTypes(), def.ResultTypes())
	if !ok {
		return nil, loadErrf(id, nil, "%s has signature %s -> %s, wanted (i32, i32[, i32]) -> i32", exportKeyFactory, typeNames(def.ParamTypes()), typeNames(def.ResultTypes()))
	}

	return &instance{
		mod:     mod,
		mem:     mem,
		factory: factory,
		abi:     abi,
		keyLen:  keyLen,
	}, nil
}

func abiOf(params, results []api.ValueType) (abiVariant, bool) {
	if len(results) != 1 || results[0] != api.ValueTypeI32 {
		return 0, false
	}
	for _, p := range params {
		if p != api.ValueTypeI32 {
			return 0, false
		}
	}
	switch len(params) {
	case 2:
		return abiInPlace, true
	case 3:
		return abiOutputOffset, true
	default:
		return 0, false
	}
}

func readKeyLength(ctx context.Context, id uint64, mod api.Module) (int, error) {
	if g := mod.ExportedGlobal(exportKeyLength); g != nil {
		return decodeKeyLength(id, g.Type(), g.Get())
	}

	fn := mod.ExportedFunction(exportKeyLength)
	if fn == nil {
		return 0, loadErrf(id, nil, "missing export %q", exportKeyLength)
	}
	def := fn.Definition()
	if len(def.ParamTypes()) != 0 || len(def.ResultTypes()) != 1 {
		return 0, loadErrf(id, nil, "%s has signature %s -> %s, wanted () -> i32", exportKeyLength, typeNames(def.ParamTypes()), typeNames(def.ResultTypes()))
	}
	res, err := fn.Call(ctx)
	if err != nil {
		return 0, loadErrf(id, err, "calling %s", exportKeyLength)
	}
	return decodeKeyLength(id, def.ResultTypes()[0], res[0])
}

func decodeKeyLength(id uint64, t api.ValueType, raw uint64) (int, error) {
	var v int64
	switch t {
	case api.ValueTypeI32:
		v = int64(int32(uint32(raw)))
	case api.ValueTypeI64:
		v = int64(raw)
	default:
		return 0, loadErrf(id, nil, "%s has type %s, wanted i32 or i64", exportKeyLength, api.ValueTypeName(t))
	}
	if v < 0 || v > MaxKeyLength {
		return 0, loadErrf(id, nil, "%s = %d out of range [0, %d]", exportKeyLength, v, MaxKeyLength)
	}
	return int(v), nil
}

func typeNames(types []api.ValueType) string {
	s := "("
	for i, t := range types {
		if i > 0 {
			s += ", "
		}
		s += api.ValueTypeName(t)
	}
	return s + ")"
}
