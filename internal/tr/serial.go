package tr

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/logger"
	"github.com/myuser/unidb/internal/metrics"
)

// Option configures a thread.
type Option func(*options)

type options struct {
	name     string
	maxQueue int
	logger   *logger.Logger
	spawn    func(func()) error
}

// WithName names the thread in transaction labels and logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithMaxQueue bounds the request queue. Requests beyond it fail with
// dberr.ErrQueueFull. Zero means unbounded.
func WithMaxQueue(n int) Option {
	return func(o *options) { o.maxQueue = n }
}

func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

func withSpawn(spawn func(func()) error) Option {
	return func(o *options) { o.spawn = spawn }
}

func buildOptions(opts []Option) options {
	o := options{
		name:   "serial",
		logger: logger.Noop(),
		spawn: func(f func()) error {
			go f()
			return nil
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type scopeKey struct{}

// scope is the transaction scope carried in the context handed to request
// functions.
type scope struct {
	thread  *Serial
	tx      Tx
	label   string
	members []*Request
	active  atomic.Bool
}

func scopeFrom(ctx context.Context) *scope {
	if ctx == nil {
		return nil
	}
	sc, _ := ctx.Value(scopeKey{}).(*scope)
	return sc
}

// TxLabel returns the label of the transaction scope carried by ctx.
func TxLabel(ctx context.Context) (string, bool) {
	sc := scopeFrom(ctx)
	if sc == nil {
		return "", false
	}
	return sc.label, true
}

// Serial is a logical thread: a FIFO request queue drained by one worker,
// one physical transaction at a time.
type Serial struct {
	storage Storage
	mutex   *Mutex
	opts    options
	log     *logger.Logger

	mu      sync.Mutex
	queue   []*Request
	locked  bool
	running bool
	closed  bool
	pending sync.WaitGroup
}

var _ Thread = (*Serial)(nil)

func NewSerial(storage Storage, opts ...Option) *Serial {
	o := buildOptions(opts)
	return &Serial{
		storage: storage,
		mutex:   NewMutex(o.name),
		opts:    o,
		log:     o.logger.WithThread(o.name),
	}
}

func (s *Serial) Name() string  { return s.opts.name }
func (s *Serial) Mutex() *Mutex { return s.mutex }
func (s *Serial) TxCount() int  { return s.mutex.TxCount() }

// Exec submits fn over stores in mode. When ctx carries the scope of this
// thread's open transaction and the request is compatible with it, fn runs
// inline in that transaction before Exec returns. Otherwise the request is
// queued.
func (s *Serial) Exec(ctx context.Context, fn Func, stores []string, mode Mode) *Request {
	r := newRequest(ctx, fn, stores, mode)
	if sc := scopeFrom(ctx); sc != nil && sc.thread == s && sc.active.Load() &&
		s.mutex.IsActiveAndAvailable() && s.mutex.Compatible(stores, mode) {
		metrics.Inc(metrics.RequestsInline)
		sc.members = append(sc.members, r)
		s.invoke(sc, r)
		return r
	}
	return s.enqueue(r)
}

func (s *Serial) enqueue(r *Request) *Request {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		s.reject(r, dberr.InvalidState("thread %s is closed", s.opts.name))
		return r
	case s.opts.maxQueue > 0 && len(s.queue) >= s.opts.maxQueue:
		s.mu.Unlock()
		s.reject(r, dberr.ErrQueueFull)
		return r
	}
	s.queue = append(s.queue, r)
	s.pending.Add(1)
	start := !s.running && !s.locked
	if start {
		s.running = true
	}
	s.mu.Unlock()

	metrics.Inc(metrics.RequestsQueued)
	if start {
		s.start()
	}
	return r
}

func (s *Serial) reject(r *Request, err error) {
	metrics.Inc(metrics.RequestsDropped)
	s.log.LogRequest(r.ctx, s.opts.name, r.stores, err)
	r.resolve(nil, err)
}

func (s *Serial) start() {
	if err := s.opts.spawn(s.drain); err != nil {
		s.mu.Lock()
		queued := s.queue
		s.queue = nil
		s.running = false
		s.mu.Unlock()
		for _, r := range queued {
			s.reject(r, err)
			s.pending.Done()
		}
	}
}

func (s *Serial) drain() {
	for {
		s.mu.Lock()
		if s.locked || len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		r := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := r.ctx.Err(); err != nil {
			r.resolve(nil, err)
		} else {
			s.process(r)
		}
		s.pending.Done()
	}
}

// process opens one physical transaction for r. Requests joining the
// transaction from inside r's function are appended to the scope and
// resolved together once the transaction ends.
func (s *Serial) process(r *Request) {
	sc := &scope{thread: s, members: []*Request{r}}
	s.storage.Transaction(func(tx Tx) {
		label, err := s.mutex.Up(tx, r.stores, r.mode)
		if err != nil {
			r.ran("", nil, err)
			tx.Abort()
			return
		}
		metrics.Inc(metrics.TxOpened)
		sc.tx, sc.label = tx, label
		sc.active.Store(true)
		s.invoke(sc, r)
		sc.active.Store(false)
		s.mutex.Out()
	}, r.stores, r.mode, func(ev Event, err error) {
		s.mutex.Down(ev, err)
		s.complete(sc, r, ev, err)
	})
}

func (s *Serial) complete(sc *scope, head *Request, ev Event, err error) {
	switch ev {
	case EventComplete:
		metrics.Inc(metrics.TxCommitted)
	case EventAbort:
		metrics.Inc(metrics.TxAborted)
	default:
		metrics.Inc(metrics.TxFailed)
	}
	s.log.LogTx(head.ctx, sc.label, head.mode.String(), head.stores, ev.String(), err)

	for _, m := range sc.members {
		if ev == EventComplete {
			m.resolve(m.value, m.err)
			continue
		}
		cause := err
		if cause == nil {
			cause = dberr.ErrAborted
		}
		m.resolve(nil, dberr.Abort(sc.label, ev.String(), cause))
	}
}

func (s *Serial) invoke(sc *scope, r *Request) {
	ctx := context.WithValue(r.ctx, scopeKey{}, sc)
	defer func() {
		if p := recover(); p != nil {
			r.ran(sc.label, nil, dberr.Internal("request panicked: %v", p))
			sc.tx.Abort()
		}
	}()
	v, err := r.fn(ctx, sc.tx, sc.label)
	r.ran(sc.label, v, err)
}

// Abort aborts the transaction scope carried by ctx, or else the thread's
// open transaction. It fails with InvalidStateError when there is none. An
// aborted transaction takes no more requests: later ones are queued.
func (s *Serial) Abort(ctx context.Context) error {
	if sc := scopeFrom(ctx); sc != nil && sc.thread == s {
		if !sc.active.Swap(false) {
			return dberr.InvalidState("transaction %s is no longer active", sc.label)
		}
		sc.tx.Abort()
		s.mutex.Out()
		return nil
	}
	tx := s.mutex.ActiveTx()
	if tx == nil {
		return dberr.InvalidState("thread %s has no active transaction", s.opts.name)
	}
	tx.Abort()
	s.mutex.Out()
	return nil
}

// Lock stops the thread from starting new transactions until Unlock.
func (s *Serial) Lock() {
	s.mu.Lock()
	s.locked = true
	s.mu.Unlock()
}

func (s *Serial) Unlock() {
	s.mu.Lock()
	s.locked = false
	start := !s.running && len(s.queue) > 0
	if start {
		s.running = true
	}
	s.mu.Unlock()
	if start {
		s.start()
	}
}

// Pending is the number of queued requests.
func (s *Serial) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close rejects new requests and waits for queued ones to finish.
func (s *Serial) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	locked := s.locked
	s.mu.Unlock()
	if locked {
		return dberr.InvalidState("thread %s is locked", s.opts.name)
	}

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
