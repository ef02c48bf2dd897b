/*
Package keyfn runs keying functions: WebAssembly modules that derive an index
key from an item.

# Module ABI

A keying module must export:

 1. `key_length`: either an i32/i64 global or a zero-argument function returning
    one i32/i64 value. It is the exact length of every key the module produces
    and must be within [0, MaxKeyLength].

 2. `key_factory`: a function taking i32 arguments and returning an i32 status.
    Two calling conventions are supported:

    - `(off, len) -> status`: the key is read from `off`, i.e. the module writes
    it over its input.

    - `(off, len, out) -> status`: the key is read from `out`, which the host
    places after the input, aligned to 8 bytes.

    Status 0 is success, a positive status is a standard error, a negative
    status is a module-defined error.

 3. A linear memory.

The input is always copied to InputOffset. Modules may import `env.log(ptr)`,
where ptr points to a little-endian u32 length followed by that many bytes of
text; the text is logged at debug level.

# Memory

Linear memory is reused across calls and only grows. Once an instance's memory
exceeds Options.RecycleBytes, the instance is destroyed and recreated from the
compiled module. Calls on one Function are serialized by a mutex.
*/
package keyfn
