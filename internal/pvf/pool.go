package pvf

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"ShardRecovery/internal/candidate"
)

// entryPoint is the function every validation module exports.
const entryPoint = "validate_block"

var (
	// ErrModuleNotFound is returned when a code hash is not loaded in the pool.
	ErrModuleNotFound = errors.New("module not found")

	// ErrGasExhausted is returned when validation runs out of gas.
	ErrGasExhausted = errors.New("gas exhausted")

	// ErrMissingEntryPoint is returned for a module that does not export validate_block.
	ErrMissingEntryPoint = errors.New("validate_block not exported")
)

// Pool manages compiled shard validation functions.
// Modules are compiled once and instantiated per call.
type Pool struct {
	runtime wazero.Runtime                           // runtime is the wazero runtime instance
	host    api.Module                               // host is the shared "env" module
	modules map[candidate.Hash]wazero.CompiledModule // modules maps blake3 code hash to compiled module
	mu      sync.RWMutex                             // mu protects modules map
}

// New creates a Pool. Calls are aborted when their context is done.
func New(ctx context.Context) (*Pool, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	p := &Pool{
		runtime: runtime,
		modules: make(map[candidate.Hash]wazero.CompiledModule),
	}

	host, err := p.buildHostModule(ctx)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("build host module:\n%w", err)
	}

	p.host = host

	return p, nil
}

// Load compiles code and returns its blake3 hash, the id used by Validate.
// Loading the same code twice is a no-op.
func (p *Pool) Load(ctx context.Context, code []byte) (candidate.Hash, error) {
	id := candidate.HashBody(code)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.modules[id]; exists {
		return id, nil
	}

	compiled, err := p.runtime.CompileModule(ctx, code)
	if err != nil {
		return candidate.Hash{}, fmt.Errorf("compile module:\n%w", err)
	}

	if _, ok := compiled.ExportedFunctions()[entryPoint]; !ok {
		compiled.Close(ctx)
		return candidate.Hash{}, ErrMissingEntryPoint
	}

	p.modules[id] = compiled

	return id, nil
}

// Validate runs module id on body.
// Returns the verdict of validate_block (non-zero accepts) and the gas consumed.
func (p *Pool) Validate(ctx context.Context, id candidate.Hash, body []byte, gasLimit uint64) (bool, uint64, error) {
	p.mu.RLock()
	compiled, exists := p.modules[id]
	p.mu.RUnlock()

	if !exists {
		return false, 0, ErrModuleNotFound
	}

	ec := &execContext{input: body, gasLimit: gasLimit}
	ctx = withExec(ctx, ec)

	// Anonymous instances may run concurrently
	instance, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return false, ec.gasUsed, fmt.Errorf("instantiate module:\n%w", err)
	}
	defer instance.Close(ctx)

	fn := instance.ExportedFunction(entryPoint)
	if fn == nil {
		return false, ec.gasUsed, ErrMissingEntryPoint
	}

	results, err := fn.Call(ctx)
	if err != nil {
		if ec.gasExhausted {
			return false, ec.gasUsed, ErrGasExhausted
		}

		return false, ec.gasUsed, fmt.Errorf("validate_block:\n%w", err)
	}

	if len(results) == 0 {
		return false, ec.gasUsed, fmt.Errorf("validate_block returned no result")
	}

	return uint32(results[0]) != 0, ec.gasUsed, nil
}

// Unload removes a module from the pool.
func (p *Pool) Unload(ctx context.Context, id candidate.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if compiled, exists := p.modules[id]; exists {
		compiled.Close(ctx)
		delete(p.modules, id)
	}
}

// Close releases all resources held by the pool.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, compiled := range p.modules {
		compiled.Close(ctx)
		delete(p.modules, id)
	}

	return p.runtime.Close(ctx)
}
