package stream

import (
	"context"
	"errors"

	"github.com/seantiz/xstream/internal/counters"
	"github.com/seantiz/xstream/internal/profiler"
)

// ExecHooks brackets every dispatched operation.
type ExecHooks interface {
	BeforeExec(ctx context.Context) error
	AfterExec(ctx context.Context) error
}

// NoopHooks does nothing.
type NoopHooks struct{}

func (NoopHooks) BeforeExec(context.Context) error { return nil }
func (NoopHooks) AfterExec(context.Context) error  { return nil }

// ProfilerHooks opens the profiler's collection window around an operation.
type ProfilerHooks struct {
	P *profiler.Profiler
}

func (h ProfilerHooks) BeforeExec(context.Context) error {
	h.P.Start()
	return nil
}

func (h ProfilerHooks) AfterExec(context.Context) error {
	return h.P.Stop()
}

// CounterHooks captures hardware counters around an operation.
type CounterHooks struct {
	B *counters.Bridge
}

func (h CounterHooks) BeforeExec(context.Context) error { return h.B.Begin() }
func (h CounterHooks) AfterExec(context.Context) error  { return h.B.End() }

// ChainHooks runs BeforeExec in order and AfterExec in reverse order. Every
// hook runs even when an earlier one fails; failures are joined.
type ChainHooks []ExecHooks

func (c ChainHooks) BeforeExec(ctx context.Context) error {
	var errs []error
	for _, h := range c {
		if err := h.BeforeExec(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c ChainHooks) AfterExec(ctx context.Context) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].AfterExec(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// composeHooks builds the hook strategy for a stream from its optional parts.
func composeHooks(p *profiler.Profiler, b *counters.Bridge, extra []ExecHooks) ExecHooks {
	var chain ChainHooks
	if p != nil {
		chain = append(chain, ProfilerHooks{P: p})
	}
	if b != nil {
		chain = append(chain, CounterHooks{B: b})
	}
	chain = append(chain, extra...)
	switch len(chain) {
	case 0:
		return NoopHooks{}
	case 1:
		return chain[0]
	default:
		return chain
	}
}
