package automation

import (
	"context"

	"github.com/questgate/questgate/internal/errors"
)

// Pool wraps a Factory and caps the number of live adapters. New blocks
// until a slot frees up or the context is cancelled; closing a pooled
// adapter returns its slot.
type Pool struct {
	inner Factory
	slots chan struct{}
}

var _ Factory = (*Pool)(nil)

func NewPool(inner Factory, size int) *Pool {
	return &Pool{
		inner: inner,
		slots: make(chan struct{}, size),
	}
}

func (p *Pool) New(ctx context.Context, id string) (Adapter, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "[Pool.New] waiting for adapter slot")
	}

	adapter, err := p.inner.New(ctx, id)
	if err != nil {
		<-p.slots
		return nil, errors.Wrapf(err, "[Pool.New] inner factory")
	}
	return &pooledAdapter{Adapter: adapter, pool: p}, nil
}

type pooledAdapter struct {
	Adapter
	pool     *Pool
	released bool
}

func (pa *pooledAdapter) Close(ctx context.Context) error {
	err := pa.Adapter.Close(ctx)
	if !pa.released {
		pa.released = true
		<-pa.pool.slots
	}
	return err
}
