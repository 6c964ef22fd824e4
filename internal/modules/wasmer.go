package modules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// WasmSource resolves a wasm hash to its bytes (backed by the replication
// blob store).
type WasmSource interface {
	WasmBytes(hash string) ([]byte, error)
}

// Entrypoints by module kind. Pure modules receive no state; stateful ones
// get and may replace their state blob.
func entrypointFor(kind string) string {
	if kind == KindStateful {
		return "handle_stateful"
	}
	return "handle_pure"
}

// WasmerSandbox runs modules with wasmer-go. Compiled modules are cached by
// wasm hash; every invocation gets a fresh instance so module memory never
// leaks across calls.
type WasmerSandbox struct {
	source WasmSource

	mu     sync.Mutex
	engine *wasmer.Engine
	store  *wasmer.Store
	cache  map[string]*wasmer.Module
}

func NewWasmerSandbox(source WasmSource) *WasmerSandbox {
	engine := wasmer.NewEngine()
	return &WasmerSandbox{
		source: source,
		engine: engine,
		store:  wasmer.NewStore(engine),
		cache:  map[string]*wasmer.Module{},
	}
}

func (s *WasmerSandbox) compiled(hash string) (*wasmer.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.cache[hash]; m != nil {
		return m, nil
	}
	bytes, err := s.source.WasmBytes(hash)
	if err != nil {
		return nil, callErr(CodeSandboxUnavailable, "fetch wasm %s: %v", hash, err)
	}
	m, err := wasmer.NewModule(s.store, bytes)
	if err != nil {
		return nil, callErr(CodeTrap, "compile wasm %s: %v", hash, err)
	}
	s.cache[hash] = m
	return m, nil
}

// Invoke writes the input document into guest memory, calls the kind
// entrypoint, and reads back the packed (ptr<<32|len) result.
func (s *WasmerSandbox) Invoke(ctx context.Context, m Manifest, input []byte) ([]byte, error) {
	mod, err := s.compiled(m.WasmHash)
	if err != nil {
		return nil, err
	}
	instance, err := wasmer.NewInstance(mod, wasmer.NewImportObject())
	if err != nil {
		return nil, callErr(CodeTrap, "instantiate %s: %v", m.Key(), err)
	}
	defer instance.Close()

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, callErr(CodeTrap, "%s exports no memory", m.Key())
	}
	if uint64(mem.DataSize()) > m.Limits.MaxMemBytes {
		return nil, callErr(CodeTrap, "%s memory %d exceeds limit %d", m.Key(), mem.DataSize(), m.Limits.MaxMemBytes)
	}
	alloc, err := instance.Exports.GetFunction("alloc")
	if err != nil {
		return nil, callErr(CodeTrap, "%s exports no alloc", m.Key())
	}
	entry, err := instance.Exports.GetFunction(entrypointFor(m.Kind))
	if err != nil {
		return nil, callErr(CodeTrap, "%s exports no %s", m.Key(), entrypointFor(m.Kind))
	}

	ptrRaw, err := alloc(len(input))
	if err != nil {
		return nil, callErr(CodeTrap, "%s alloc: %v", m.Key(), err)
	}
	ptr, ok := ptrRaw.(int32)
	if !ok {
		return nil, callErr(CodeInvalidOutput, "%s alloc returned %T", m.Key(), ptrRaw)
	}
	data := mem.Data()
	if int(ptr)+len(input) > len(data) {
		return nil, callErr(CodeTrap, "%s alloc out of bounds", m.Key())
	}
	copy(data[ptr:], input)

	type callResult struct {
		raw any
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		raw, err := entry(ptr, int32(len(input)))
		done <- callResult{raw: raw, err: err}
	}()

	deadline := 2 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	var res callResult
	select {
	case res = <-done:
	case <-time.After(deadline):
		return nil, callErr(CodeTimeout, "%s exceeded %s", m.Key(), deadline)
	case <-ctx.Done():
		return nil, callErr(CodeTimeout, "%s: %v", m.Key(), ctx.Err())
	}
	if res.err != nil {
		return nil, callErr(CodeTrap, "%s: %v", m.Key(), res.err)
	}

	packed, ok := res.raw.(int64)
	if !ok {
		return nil, callErr(CodeInvalidOutput, "%s returned %T", m.Key(), res.raw)
	}
	outPtr := uint32(uint64(packed) >> 32)
	outLen := uint32(uint64(packed) & 0xffffffff)
	if uint64(outLen) > m.Limits.MaxOutputBytes {
		return nil, callErr(CodeOutputTooLarge, "%d > %d bytes", outLen, m.Limits.MaxOutputBytes)
	}
	data = mem.Data()
	if uint64(outPtr)+uint64(outLen) > uint64(len(data)) {
		return nil, callErr(CodeInvalidOutput, "%s output out of bounds", m.Key())
	}
	out := make([]byte, outLen)
	copy(out, data[outPtr:uint64(outPtr)+uint64(outLen)])
	return out, nil
}

var _ Sandbox = (*WasmerSandbox)(nil)

// String implements fmt.Stringer for log fields.
func (s *WasmerSandbox) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("wasmer(cached=%d)", len(s.cache))
}
