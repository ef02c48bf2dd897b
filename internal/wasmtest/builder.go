// Package wasmtest assembles small WebAssembly keying modules in Go, so tests
// don't depend on an external compiler.
package wasmtest

import (
	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

type ValType = wasm.ValueType

const (
	I32 = wasm.ValueTypeI32
	I64 = wasm.ValueTypeI64

	blockTypeEmpty = 0x40
)

type funcExport struct {
	name  string
	index uint32 // among declared functions, before imports are counted
}

// Builder accumulates a wasm.Module. Imported functions come first in the
// function index space, so with ImportLog the first declared function has index 1.
type Builder struct {
	mod      wasm.Module
	imported uint32
	noMemory bool
	mem      wasm.Memory
	exports  []funcExport
}

func New() *Builder {
	return &Builder{mem: wasm.Memory{Min: 1}}
}

// ImportLog imports env.log(i32) as function 0.
func (b *Builder) ImportLog() *Builder {
	b.mod.ImportSection = append(b.mod.ImportSection, &wasm.Import{
		Type:     wasm.ExternTypeFunc,
		Module:   "env",
		Name:     "log",
		DescFunc: b.addType([]ValType{I32}, nil),
	})
	b.imported++
	return b
}

func (b *Builder) Memory(minPages uint32) *Builder {
	b.mem.Min = minPages
	return b
}

func (b *Builder) MemoryMax(maxPages uint32) *Builder {
	b.mem.Max = maxPages
	b.mem.IsMaxEncoded = true
	return b
}

func (b *Builder) NoMemory() *Builder {
	b.noMemory = true
	return b
}

// Func declares a function; a non-empty name exports it. body must end with OpcodeEnd.
func (b *Builder) Func(name string, params, results, locals []ValType, body ...byte) *Builder {
	idx := uint32(len(b.mod.FunctionSection))
	b.mod.FunctionSection = append(b.mod.FunctionSection, b.addType(params, results))
	b.mod.CodeSection = append(b.mod.CodeSection, &wasm.Code{LocalTypes: locals, Body: body})
	if name != "" {
		b.exports = append(b.exports, funcExport{name, idx})
	}
	return b
}

func (b *Builder) Global(name string, typ ValType, value int64) *Builder {
	init := &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: leb128.EncodeInt32(int32(value))}
	if typ == I64 {
		init = &wasm.ConstantExpression{Opcode: wasm.OpcodeI64Const, Data: leb128.EncodeInt64(value)}
	}
	idx := uint32(len(b.mod.GlobalSection))
	b.mod.GlobalSection = append(b.mod.GlobalSection, &wasm.Global{
		Type: &wasm.GlobalType{ValType: typ},
		Init: init,
	})
	b.mod.ExportSection = append(b.mod.ExportSection, &wasm.Export{Type: wasm.ExternTypeGlobal, Name: name, Index: idx})
	return b
}

func (b *Builder) Data(offset uint32, bytes []byte) *Builder {
	b.mod.DataSection = append(b.mod.DataSection, &wasm.DataSegment{
		OffsetExpression: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: leb128.EncodeInt32(int32(offset))},
		Init:             bytes,
	})
	return b
}

// Bytes encodes the module in the WebAssembly binary format.
func (b *Builder) Bytes() []byte {
	m := b.mod
	m.ExportSection = append([]*wasm.Export(nil), b.mod.ExportSection...)
	if !b.noMemory {
		mem := b.mem
		m.MemorySection = &mem
		m.ExportSection = append(m.ExportSection, &wasm.Export{Type: wasm.ExternTypeMemory, Name: "memory", Index: 0})
	}
	for _, e := range b.exports {
		m.ExportSection = append(m.ExportSection, &wasm.Export{Type: wasm.ExternTypeFunc, Name: e.name, Index: b.imported + e.index})
	}
	return binary.EncodeModule(&m)
}

func (b *Builder) addType(params, results []ValType) uint32 {
	for i, ft := range b.mod.TypeSection {
		if ft.EqualsSignature(params, results) {
			return uint32(i)
		}
	}
	b.mod.TypeSection = append(b.mod.TypeSection, &wasm.FunctionType{Params: params, Results: results})
	return uint32(len(b.mod.TypeSection) - 1)
}

// I32Const encodes `i32.const v`.
func I32Const(v int32) []byte {
	return append([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(v)...)
}

// I64Const encodes `i64.const v`.
func I64Const(v int64) []byte {
	return append([]byte{wasm.OpcodeI64Const}, leb128.EncodeInt64(v)...)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
