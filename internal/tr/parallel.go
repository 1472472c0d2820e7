package tr

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/myuser/unidb/internal/dberr"
)

// Parallel is a fixed pool of independent Serial threads. Requests are
// dispatched round-robin; there is no ordering across threads. Thread
// drains run on a bounded goroutine pool.
type Parallel struct {
	threads []*Serial
	pool    *ants.Pool
	next    atomic.Uint64
}

var _ Thread = (*Parallel)(nil)

func NewParallel(storage Storage, size int, opts ...Option) (*Parallel, error) {
	if size < 1 {
		return nil, dberr.Argument("parallel thread count must be positive, got %d", size)
	}
	o := buildOptions(opts)
	log := o.logger.WithThread(o.name)
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(p any) {
		log.Error("thread drain panicked", "panic", p)
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create thread pool")
	}

	p := &Parallel{pool: pool}
	for i := 0; i < size; i++ {
		threadOpts := append(append([]Option{}, opts...),
			WithName(fmt.Sprintf("%s-%d", o.name, i)),
			withSpawn(pool.Submit),
		)
		p.threads = append(p.threads, NewSerial(storage, threadOpts...))
	}
	return p, nil
}

// Exec runs fn inline when ctx carries the open scope of one of the pool's
// threads, and otherwise queues it on the next thread.
func (p *Parallel) Exec(ctx context.Context, fn Func, stores []string, mode Mode) *Request {
	if t := p.owner(ctx); t != nil {
		return t.Exec(ctx, fn, stores, mode)
	}
	i := (p.next.Add(1) - 1) % uint64(len(p.threads))
	return p.threads[i].Exec(ctx, fn, stores, mode)
}

func (p *Parallel) owner(ctx context.Context) *Serial {
	sc := scopeFrom(ctx)
	if sc == nil {
		return nil
	}
	for _, t := range p.threads {
		if sc.thread == t {
			return t
		}
	}
	return nil
}

// Abort aborts the transaction scope carried by ctx.
func (p *Parallel) Abort(ctx context.Context) error {
	t := p.owner(ctx)
	if t == nil {
		return dberr.InvalidState("no transaction scope in context")
	}
	return t.Abort(ctx)
}

// Threads returns the pool's threads.
func (p *Parallel) Threads() []*Serial {
	return p.threads
}

func (p *Parallel) TxCount() int {
	n := 0
	for _, t := range p.threads {
		n += t.TxCount()
	}
	return n
}

// Close closes every thread and releases the goroutine pool.
func (p *Parallel) Close(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range p.threads {
		g.Go(func() error {
			return t.Close(gctx)
		})
	}
	err := g.Wait()
	p.pool.Release()
	return err
}
