package tr

import (
	"context"
	"sync"

	"github.com/myuser/unidb/internal/dberr"
)

// Request is the future of one submitted request. It resolves strictly after
// the terminal event of the transaction it ran in.
type Request struct {
	ctx    context.Context
	fn     Func
	stores []string
	mode   Mode

	mu     sync.Mutex
	hasRun bool
	value  any
	err    error
	label  string
	thens  []func(any, error)
	// resolved is set when resolution starts; done closes after every
	// registered callback has returned.
	resolved bool

	done   chan struct{}
	result any
	resErr error
}

func newRequest(ctx context.Context, fn Func, stores []string, mode Mode) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Request{
		ctx:    ctx,
		fn:     fn,
		stores: stores,
		mode:   mode,
		done:   make(chan struct{}),
	}
}

// Failed returns a request already resolved with err.
func Failed(err error) *Request {
	r := newRequest(context.Background(), nil, nil, ReadOnly)
	r.ran("", nil, err)
	r.resolve(nil, err)
	return r
}

func (r *Request) ran(label string, v any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hasRun = true
	r.label = label
	r.value, r.err = v, err
}

func (r *Request) resolve(v any, err error) {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return
	}
	r.resolved = true
	r.result, r.resErr = v, err
	for len(r.thens) > 0 {
		thens := r.thens
		r.thens = nil
		r.mu.Unlock()
		for _, fn := range thens {
			fn(v, err)
		}
		r.mu.Lock()
	}
	close(r.done)
	r.mu.Unlock()
}

// Done is closed once the request is resolved.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request resolves or ctx is done. Never wait on a
// request from inside the transaction it joined: it cannot resolve before
// that transaction ends.
func (r *Request) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.result, r.resErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the request's own outcome once its function has run. A
// request that joined an open transaction has run by the time Exec returns,
// but it only resolves once the transaction ends.
func (r *Request) Peek() (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasRun {
		return nil, dberr.InvalidState("request has not run")
	}
	return r.value, r.err
}

// Then registers fn to run on resolution. Callbacks of the requests of one
// transaction run in submission order, and Wait returns only after they
// have all returned. fn must not Wait on r.
func (r *Request) Then(fn func(any, error)) {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		fn(r.result, r.resErr)
		return
	default:
	}
	// Registered while resolving: the resolving goroutine picks fn up
	// after the callbacks before it.
	r.thens = append(r.thens, fn)
	r.mu.Unlock()
}

// Label is the label of the transaction the request ran in.
func (r *Request) Label() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.label
}

func (r *Request) Stores() []string { return r.stores }
func (r *Request) Mode() Mode       { return r.mode }
