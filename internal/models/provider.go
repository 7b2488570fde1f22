package models

import (
	"context"
	"fmt"
)

// Lifecycle selects how model instances are handed to file tasks.
type Lifecycle string

const (
	// ExclusivePerTask builds a fresh Models for every task.
	ExclusivePerTask Lifecycle = "exclusive-per-task"
	// SharedPool checks out one of a fixed number of prebuilt instances.
	SharedPool Lifecycle = "shared-pool"
)

// ParseLifecycle validates a lifecycle name.
func ParseLifecycle(s string) (Lifecycle, error) {
	switch l := Lifecycle(s); l {
	case ExclusivePerTask, SharedPool:
		return l, nil
	default:
		return "", fmt.Errorf("unknown model lifecycle %q (want %s or %s)", s, ExclusivePerTask, SharedPool)
	}
}

// Provider hands out Models to file tasks. The release func must be called
// exactly once when the task is done with the instance.
type Provider interface {
	Acquire(ctx context.Context) (*Models, func(), error)
	Close() error
}

// NewProvider creates a provider for the lifecycle. Both lifecycles build at
// least one instance up front so a broken model setup fails at startup.
func NewProvider(ctx context.Context, lifecycle Lifecycle, poolSize int, factory Factory) (Provider, error) {
	switch lifecycle {
	case ExclusivePerTask:
		probe, err := build(ctx, factory)
		if err != nil {
			return nil, err
		}
		closeModels(probe)
		return &exclusiveProvider{factory: factory}, nil

	case SharedPool:
		if poolSize < 1 {
			poolSize = 1
		}
		p := &poolProvider{instances: make(chan *Models, poolSize)}
		for range poolSize {
			m, err := build(ctx, factory)
			if err != nil {
				p.Close()
				return nil, err
			}
			p.all = append(p.all, m)
			p.instances <- m
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown model lifecycle %q", lifecycle)
	}
}

func build(ctx context.Context, factory Factory) (*Models, error) {
	m, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	return m, nil
}

func closeModels(m *Models) {
	if m.Closer != nil {
		_ = m.Closer.Close()
	}
}

type exclusiveProvider struct {
	factory Factory
}

func (p *exclusiveProvider) Acquire(ctx context.Context) (*Models, func(), error) {
	m, err := build(ctx, p.factory)
	if err != nil {
		return nil, nil, err
	}
	return m, func() { closeModels(m) }, nil
}

func (p *exclusiveProvider) Close() error { return nil }

type poolProvider struct {
	instances chan *Models
	all       []*Models
}

// Acquire blocks until an instance is free or ctx is done.
func (p *poolProvider) Acquire(ctx context.Context) (*Models, func(), error) {
	select {
	case m := <-p.instances:
		return m, func() { p.instances <- m }, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (p *poolProvider) Close() error {
	for _, m := range p.all {
		closeModels(m)
	}
	return nil
}
