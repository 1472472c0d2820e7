package tr

import (
	"context"
	"sync/atomic"

	"github.com/myuser/unidb/internal/dberr"
)

// Single is a single-use thread: it runs exactly one transaction. Requests
// joining that transaction from inside its scope are still accepted.
type Single struct {
	*Serial
	used atomic.Bool
}

var _ Thread = (*Single)(nil)

func NewSingle(storage Storage, opts ...Option) *Single {
	return &Single{Serial: NewSerial(storage, append([]Option{WithName("single")}, opts...)...)}
}

func (s *Single) Exec(ctx context.Context, fn Func, stores []string, mode Mode) *Request {
	if sc := scopeFrom(ctx); sc != nil && sc.thread == s.Serial {
		return s.Serial.Exec(ctx, fn, stores, mode)
	}
	if !s.used.CompareAndSwap(false, true) {
		return Failed(dberr.InvalidState("single-use thread %s already ran its transaction", s.Name()))
	}
	return s.Serial.Exec(ctx, fn, stores, mode)
}
