package ringbuffer

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Policy decides what Publish does when the ring is full.
type Policy int

const (
	// Block makes the producer wait for the slowest cursor.
	Block Policy = iota
	// Drop overwrites the oldest item, overrun cursors observe a gap.
	Drop
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy is the inverse of [Policy.String].
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return Block, nil
	case "drop":
		return Drop, nil
	default:
		return 0, fmt.Errorf("ringbuffer: unknown policy %q", s)
	}
}

type ringOptions struct {
	policy         Policy
	publishTimeout time.Duration
}

// Option configures a Ring.
type Option interface {
	applyRing(*ringOptions) error
}

type ringOptionImpl struct {
	applyRingFunc func(*ringOptions) error
}

func (r *ringOptionImpl) applyRing(opts *ringOptions) error {
	return r.applyRingFunc(opts)
}

// WithPolicy sets the full-ring policy. Defaults to Block.
func WithPolicy(policy Policy) Option {
	return &ringOptionImpl{func(opts *ringOptions) error {
		if policy != Block && policy != Drop {
			return fmt.Errorf("ringbuffer: invalid policy %d", int(policy))
		}
		opts.policy = policy
		return nil
	}}
}

// WithPublishTimeout bounds how long Publish waits under Block. Zero (the
// default) waits until the context is done.
func WithPublishTimeout(d time.Duration) Option {
	return &ringOptionImpl{func(opts *ringOptions) error {
		if d < 0 {
			return errors.New("ringbuffer: publish timeout must not be negative")
		}
		opts.publishTimeout = d
		return nil
	}}
}

func resolveRingOptions(opts []Option) (*ringOptions, error) {
	cfg := &ringOptions{policy: Block}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRing(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
