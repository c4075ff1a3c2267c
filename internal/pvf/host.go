package pvf

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// execKey is the context key of the running execContext.
type execKey struct{}

// execContext holds the execution state for a single validation call.
type execContext struct {
	input        []byte // input is the block body under validation
	gasLimit     uint64 // gasLimit is the maximum gas allowed
	gasUsed      uint64 // gasUsed tracks consumed gas
	gasExhausted bool   // gasExhausted is true if gas limit was exceeded
}

// withExec attaches ec to ctx for the host functions.
func withExec(ctx context.Context, ec *execContext) context.Context {
	return context.WithValue(ctx, execKey{}, ec)
}

// execFrom returns the execContext of the current call, or nil.
func execFrom(ctx context.Context) *execContext {
	ec, _ := ctx.Value(execKey{}).(*execContext)
	return ec
}

// buildHostModule instantiates the "env" module shared by every validation function.
// Host functions find their call state through the context.
func (p *Pool) buildHostModule(ctx context.Context) (api.Module, error) {
	return p.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, cost uint32) {
			hostGas(execFrom(ctx), cost)
		}).
		Export("gas").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return hostInputLen(execFrom(ctx))
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr uint32) {
			hostReadInput(execFrom(ctx), m.Memory(), ptr)
		}).
		Export("read_input").
		Instantiate(ctx)
}

// hostGas handles gas metering.
// Panics if gas limit is exceeded to abort execution.
func hostGas(ec *execContext, cost uint32) {
	if ec == nil {
		return
	}

	ec.gasUsed += uint64(cost)

	if ec.gasUsed > ec.gasLimit {
		ec.gasExhausted = true
		panic("gas exhausted")
	}
}

// hostInputLen returns the length of the body.
func hostInputLen(ec *execContext) uint32 {
	if ec == nil {
		return 0
	}

	return uint32(len(ec.input))
}

// hostReadInput copies the body into guest memory at ptr.
func hostReadInput(ec *execContext, mem api.Memory, ptr uint32) {
	if ec == nil || mem == nil || len(ec.input) == 0 {
		return
	}

	mem.Write(ptr, ec.input)
}
