package wasmtest

import (
	"encoding/binary"

	"github.com/tetratelabs/wabin/wasm"
)

var (
	end        = []byte{wasm.OpcodeEnd}
	inPlace    = []ValType{I32, I32}
	withOutput = []ValType{I32, I32, I32}
	status     = []ValType{I32}
)

// PassThrough returns the first keyLen bytes of its input (in-place ABI).
// The host zeroes the key region first, so shorter inputs are zero-padded.
func PassThrough(keyLen int32) []byte {
	return New().
		Global("key_length", I32, int64(keyLen)).
		Func("key_factory", inPlace, status, nil, cat(I32Const(0), end)...).
		Bytes()
}

// Static always returns value (output-offset ABI, key_length exported as a function).
func Static(value [8]byte) []byte {
	v := int64(binary.LittleEndian.Uint64(value[:]))
	return New().
		Func("key_length", nil, status, nil, cat(I32Const(8), end)...).
		Func("key_factory", withOutput, status, nil, cat(
			[]byte{wasm.OpcodeLocalGet, 2},
			I64Const(v),
			[]byte{wasm.OpcodeI64Store, 0x03, 0x00},
			I32Const(0),
			end,
		)...).
		Bytes()
}

// Xor reduces the input to one byte by exclusive-or (in-place ABI).
func Xor() []byte {
	const (
		off = 0
		n   = 1
		acc = 2
		i   = 3
	)
	body := cat(
		[]byte{wasm.OpcodeBlock, blockTypeEmpty},
		[]byte{wasm.OpcodeLoop, blockTypeEmpty},
		[]byte{wasm.OpcodeLocalGet, i, wasm.OpcodeLocalGet, n, wasm.OpcodeI32GeU, wasm.OpcodeBrIf, 1},
		[]byte{wasm.OpcodeLocalGet, acc, wasm.OpcodeLocalGet, off, wasm.OpcodeLocalGet, i, wasm.OpcodeI32Add, wasm.OpcodeI32Load8U, 0x00, 0x00, wasm.OpcodeI32Xor, wasm.OpcodeLocalSet, acc},
		[]byte{wasm.OpcodeLocalGet, i}, I32Const(1), []byte{wasm.OpcodeI32Add, wasm.OpcodeLocalSet, i},
		[]byte{wasm.OpcodeBr, 0},
		end,
		end,
		[]byte{wasm.OpcodeLocalGet, off, wasm.OpcodeLocalGet, acc, wasm.OpcodeI32Store8, 0x00, 0x00},
		I32Const(0),
		end,
	)
	return New().
		Global("key_length", I32, 1).
		Func("key_factory", inPlace, status, []ValType{I32, I32}, body...).
		Bytes()
}

// Zero declares a key length of 0.
func Zero() []byte {
	return New().
		Global("key_length", I32, 0).
		Func("key_factory", inPlace, status, nil, cat(I32Const(0), end)...).
		Bytes()
}

// Status always returns the given status code from key_factory.
func Status(code int32) []byte {
	return New().
		Global("key_length", I32, 4).
		Func("key_factory", inPlace, status, nil, cat(I32Const(code), end)...).
		Bytes()
}

// Trap executes `unreachable` in key_factory.
func Trap() []byte {
	return New().
		Global("key_length", I32, 4).
		Func("key_factory", inPlace, status, nil, wasm.OpcodeUnreachable, wasm.OpcodeEnd).
		Bytes()
}

// Logging emits msg through env.log on every call and returns an empty key.
func Logging(msg string) []byte {
	const at = 1024
	rec := binary.LittleEndian.AppendUint32(nil, uint32(len(msg)))
	rec = append(rec, msg...)
	return New().
		ImportLog().
		Data(at, rec).
		Global("key_length", I32, 0).
		Func("key_factory", inPlace, status, nil, cat(I32Const(at), []byte{wasm.OpcodeCall, 0}, I32Const(0), end)...).
		Bytes()
}

// KeyLength64 declares its key length as an i64 global and passes input through.
func KeyLength64(keyLen int64) []byte {
	return New().
		Global("key_length", I64, keyLen).
		Func("key_factory", inPlace, status, nil, cat(I32Const(0), end)...).
		Bytes()
}

// MissingKeyFactory exports only key_length.
func MissingKeyFactory() []byte {
	return New().
		Global("key_length", I32, 4).
		Bytes()
}

// MissingKeyLength exports only key_factory.
func MissingKeyLength() []byte {
	return New().
		Func("key_factory", inPlace, status, nil, cat(I32Const(0), end)...).
		Bytes()
}

// WrongSignature exports key_factory taking a single argument.
func WrongSignature() []byte {
	return New().
		Global("key_length", I32, 4).
		Func("key_factory", []ValType{I32}, status, nil, cat(I32Const(0), end)...).
		Bytes()
}

// WithoutMemory is a valid key_factory with no linear memory.
func WithoutMemory() []byte {
	return New().
		NoMemory().
		Global("key_length", I32, 4).
		Func("key_factory", inPlace, status, nil, cat(I32Const(0), end)...).
		Bytes()
}

// BoundedPassThrough is PassThrough whose memory cannot grow past maxPages.
func BoundedPassThrough(keyLen int32, maxPages uint32) []byte {
	return New().
		MemoryMax(maxPages).
		Global("key_length", I32, int64(keyLen)).
		Func("key_factory", inPlace, status, nil, cat(I32Const(0), end)...).
		Bytes()
}

// Untouched returns success without writing its output (output-offset ABI).
func Untouched(keyLen int32) []byte {
	return New().
		Global("key_length", I32, int64(keyLen)).
		Func("key_factory", withOutput, status, nil, cat(I32Const(0), end)...).
		Bytes()
}
