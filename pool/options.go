// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package pool

import (
	"errors"

	"github.com/joeycumines/go-reactor/eventloop"
	"github.com/joeycumines/logiface"
)

// poolOptions holds configuration options for Pool creation.
type poolOptions struct {
	logger   *logiface.Logger[logiface.Event]
	loopOpts []eventloop.LoopOption
	cpus     []int
	pin      bool
}

// Option configures a Pool instance.
type Option interface {
	applyPool(*poolOptions) error
}

type poolOptionImpl struct {
	applyPoolFunc func(*poolOptions) error
}

func (p *poolOptionImpl) applyPool(opts *poolOptions) error {
	return p.applyPoolFunc(opts)
}

// WithLogger sets the structured logger, also passed to every loop.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLoopOptions configures every loop in the pool.
func WithLoopOptions(loopOpts ...eventloop.LoopOption) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.loopOpts = append(opts.loopOpts, loopOpts...)
		return nil
	}}
}

// WithCPUPinning pins each loop's OS thread to a CPU, assigning cpus to loops
// in order (wrapping around). With no cpus, loop i is pinned to CPU
// i modulo the number of CPUs. Only supported on Linux, pinning failures are
// logged and otherwise ignored.
func WithCPUPinning(cpus ...int) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		for _, cpu := range cpus {
			if cpu < 0 {
				return errors.New("pool: cpu must not be negative")
			}
		}
		opts.pin = true
		opts.cpus = append([]int(nil), cpus...)
		return nil
	}}
}

func resolvePoolOptions(opts []Option) (*poolOptions, error) {
	cfg := &poolOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPool(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
