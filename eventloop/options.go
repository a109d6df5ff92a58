// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"errors"
	"time"

	"github.com/joeycumines/go-reactor/poller"
	"github.com/joeycumines/logiface"
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger         *logiface.Logger[logiface.Event]
	faultRates     map[time.Duration]int
	backend        poller.Backend
	maxDescriptors int
	maxEvents      int
	faultBuffer    int
	maxPollTimeout time.Duration
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the structured logger. A nil logger disables logging,
// which is the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithBackend selects the multiplexer facility.
func WithBackend(backend poller.Backend) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.backend = backend
		return nil
	}}
}

// WithMaxDescriptors limits the number of descriptors registered with the
// loop. The wake channel does not count towards the limit.
func WithMaxDescriptors(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n < 0 {
			return errors.New("eventloop: max descriptors must not be negative")
		}
		opts.maxDescriptors = n
		return nil
	}}
}

// WithMaxEvents sets the number of readiness events collected per wait.
// Defaults to 256.
func WithMaxEvents(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("eventloop: max events must be positive")
		}
		opts.maxEvents = n
		return nil
	}}
}

// WithFaultBuffer sets the capacity of the [Loop.Faults] channel. Faults are
// dropped (and counted) while the buffer is full. Defaults to 64.
func WithFaultBuffer(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n < 0 {
			return errors.New("eventloop: fault buffer must not be negative")
		}
		opts.faultBuffer = n
		return nil
	}}
}

// WithFaultLogRates sets the per-kind rate limits applied to fault log
// lines, as accepted by catrate.NewLimiter. Faults are always published and
// counted, regardless of this limit. Defaults to 10 per second and 100 per
// minute. A nil or empty map disables throttling.
func WithFaultLogRates(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.faultRates = rates
		return nil
	}}
}

// WithMaxPollTimeout caps the time spent blocked in a single wait, which
// bounds the latency of observing context cancellation. Zero (the default)
// means uncapped.
func WithMaxPollTimeout(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d < 0 {
			return errors.New("eventloop: max poll timeout must not be negative")
		}
		opts.maxPollTimeout = d
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		maxEvents:   256,
		faultBuffer: 64,
		faultRates: map[time.Duration]int{
			time.Second: 10,
			time.Minute: 100,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
