package pvf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/logger"
)

// ErrInvalidBlock is returned when the validation function refuses a body.
var ErrInvalidBlock = errors.New("validation function refused block")

// Options bounds one validation call.
type Options struct {
	GasLimit uint64        // GasLimit caps metered instructions, only effective for instrumented code
	Timeout  time.Duration // Timeout aborts a call that runs too long
}

// Validator runs one shard validation function on block bodies.
type Validator struct {
	pool *Pool          // pool holds the compiled code
	code candidate.Hash // code is the hash of the loaded module
	opts Options        // opts bounds every call
}

// NewValidator loads code into pool.
func NewValidator(ctx context.Context, pool *Pool, code []byte, opts Options) (*Validator, error) {
	id, err := pool.Load(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load validation function:\n%w", err)
	}

	if opts.GasLimit == 0 {
		opts.GasLimit = 1 << 32
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	logger.Info("validation function loaded", "code", id.Short(), "size", len(code))

	return &Validator{pool: pool, code: id, opts: opts}, nil
}

// LoadValidator reads a wasm file and loads it into pool.
func LoadValidator(ctx context.Context, pool *Pool, path string, opts Options) (*Validator, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s:\n%w", path, err)
	}

	return NewValidator(ctx, pool, code, opts)
}

// Code returns the hash of the validation function.
func (v *Validator) Code() candidate.Hash {
	return v.code
}

// ValidateBlock runs the validation function on body.
func (v *Validator) ValidateBlock(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	start := time.Now()

	ok, gas, err := v.pool.Validate(ctx, v.code, body, v.opts.GasLimit)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrInvalidBlock, err)
	}

	logger.Debug("block validated", "accepted", ok, "gas", gas, logger.Timed(start))

	if !ok {
		return ErrInvalidBlock
	}

	return nil
}
