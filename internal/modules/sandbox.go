package modules

import (
	"context"
	"errors"
	"fmt"

	"agentworld.ai/internal/codec"
	"agentworld.ai/internal/world"
)

// Deterministic failure codes surfaced as ModuleCallFailed events.
const (
	CodeTrap                = "Trap"
	CodeTimeout             = "Timeout"
	CodeOutputTooLarge      = "OutputTooLarge"
	CodeEffectLimitExceeded = "EffectLimitExceeded"
	CodeEmitLimitExceeded   = "EmitLimitExceeded"
	CodeCapsDenied          = "CapsDenied"
	CodePolicyDenied        = "PolicyDenied"
	CodeSandboxUnavailable  = "SandboxUnavailable"
	CodeInvalidOutput       = "InvalidOutput"
)

// CallError is a failed module invocation. Failures never mutate state;
// they commit a ModuleCallFailed event instead.
type CallError struct {
	Code   string
	Detail string
}

func (e *CallError) Error() string {
	if e.Detail == "" {
		return "module call failed: " + e.Code
	}
	return fmt.Sprintf("module call failed: %s: %s", e.Code, e.Detail)
}

func callErr(code, format string, args ...any) *CallError {
	return &CallError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// AsCallError unwraps err into a CallError, mapping unknown errors to Trap.
func AsCallError(err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return &CallError{Code: CodeTrap, Detail: err.Error()}
}

// InvocationContext rides along with every module input.
type InvocationContext struct {
	ModuleID string `cbor:"module_id"`
	Time     uint64 `cbor:"time"`
	Stage    string `cbor:"stage"`
}

// InvocationInput is the canonical CBOR document handed to a module.
type InvocationInput struct {
	Ctx    InvocationContext `cbor:"ctx"`
	Event  *world.Event      `cbor:"event,omitempty"`
	Action *world.Action     `cbor:"action,omitempty"`
	State  []byte            `cbor:"state,omitempty"`
}

// Effect is a capability-gated state change request replayed through the
// kernel as a system-submitted action.
type Effect struct {
	CapRef string       `cbor:"cap_ref" json:"cap_ref"`
	Action world.Action `cbor:"action" json:"action"`
}

// Emit is an informational module output recorded on the journal.
type Emit struct {
	Topic   string `cbor:"topic" json:"topic"`
	Payload []byte `cbor:"payload" json:"payload"`
}

// InvocationOutput is the canonical CBOR document a module returns.
type InvocationOutput struct {
	NewState    []byte   `cbor:"new_state,omitempty"`
	Effects     []Effect `cbor:"effects,omitempty"`
	Emits       []Emit   `cbor:"emits,omitempty"`
	OutputBytes uint64   `cbor:"output_bytes"`
}

// EncodeInput marshals an invocation input canonically.
func EncodeInput(in InvocationInput) ([]byte, error) {
	return codec.MarshalCanonical(in)
}

// DecodeOutput parses raw module output, mapping malformed documents to
// InvalidOutput.
func DecodeOutput(raw []byte) (*InvocationOutput, error) {
	var out InvocationOutput
	if err := codec.Unmarshal(raw, &out); err != nil {
		return nil, callErr(CodeInvalidOutput, "decode output: %v", err)
	}
	return &out, nil
}

// Sandbox executes one module invocation. Implementations pick the
// entrypoint from the manifest kind and enforce memory/gas/time limits;
// failures are CallErrors.
type Sandbox interface {
	Invoke(ctx context.Context, m Manifest, input []byte) ([]byte, error)
}

// StubSandbox is the in-process deterministic sandbox used by tests and
// single-process runs without a wasm runtime.
type StubSandbox struct {
	Handler func(m Manifest, input []byte) ([]byte, error)
}

func (s *StubSandbox) Invoke(_ context.Context, m Manifest, input []byte) ([]byte, error) {
	if s.Handler == nil {
		return nil, callErr(CodeSandboxUnavailable, "no handler installed")
	}
	out, err := s.Handler(m, input)
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) > m.Limits.MaxOutputBytes {
		return nil, callErr(CodeOutputTooLarge, "%d > %d bytes", len(out), m.Limits.MaxOutputBytes)
	}
	return out, nil
}
