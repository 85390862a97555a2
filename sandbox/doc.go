/*
Package sandbox evaluates untrusted Lua code against a restricted set of globals.

A State wraps a gopher-lua interpreter opened with only the base, table, string and math libraries.
File loading, module loading and dynamic chunk loading are removed, and print writes to a configurable writer.

gopher-lua states are not goroutine safe, so every access goes through an Executor that owns the
interpreter on a single goroutine. The interpreter stays open after Execute returns, which lets Go code
call back into functions the Lua code defined or passed to a Func, through a Callback.

Values cross the boundary through a Bridge: Lua tables become []any or map[string]any, numbers become
int64 when integral and float64 otherwise, and Go values become the matching Lua value.
*/
package sandbox
