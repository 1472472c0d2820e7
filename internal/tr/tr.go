// Package tr queues database requests onto logical threads and coalesces
// compatible requests into one physical transaction.
package tr

import (
	"context"
	"fmt"
	"strings"

	"github.com/myuser/unidb/internal/dberr"
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses "readonly"/"ro" and "readwrite"/"rw".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "readonly", "ro", "":
		return ReadOnly, nil
	case "readwrite", "rw":
		return ReadWrite, nil
	}
	return ReadOnly, dberr.Argument("invalid transaction mode %q", s)
}

// Event is the terminal event of a physical transaction.
type Event int

const (
	EventComplete Event = iota
	EventAbort
	EventError
)

func (e Event) String() string {
	switch e {
	case EventComplete:
		return "complete"
	case EventAbort:
		return "abort"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Tx is a physical backend transaction. Abort marks it for rollback; the
// backend honours the mark once the transaction's process function returns.
type Tx interface {
	Abort()
}

// Storage opens physical transactions. Transaction runs process
// synchronously once the transaction is open, then commits (or rolls back
// when aborted) and calls completed exactly once before returning.
type Storage interface {
	Transaction(process func(tx Tx), stores []string, mode Mode, completed func(ev Event, err error))
}

// Func is the body of a request. ctx carries the transaction scope: requests
// submitted with it while fn runs join the same transaction.
type Func func(ctx context.Context, tx Tx, label string) (any, error)

// Thread is a logical transaction thread.
type Thread interface {
	Exec(ctx context.Context, fn Func, stores []string, mode Mode) *Request
	Abort(ctx context.Context) error
	TxCount() int
	Close(ctx context.Context) error
}

// Policy selects how a database drives its requests.
type Policy int

const (
	PolicySerial Policy = iota
	PolicyParallel
	PolicySingle
)

func (p Policy) String() string {
	switch p {
	case PolicySerial:
		return "serial"
	case PolicyParallel:
		return "parallel"
	case PolicySingle:
		return "single"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy parses the names produced by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "serial":
		return PolicySerial, nil
	case "parallel":
		return PolicyParallel, nil
	case "single", "atomic":
		return PolicySingle, nil
	}
	return PolicySerial, dberr.Argument("invalid thread policy %q", s)
}

// NewThread builds a thread for policy. size is only used by PolicyParallel.
func NewThread(storage Storage, policy Policy, size int, opts ...Option) (Thread, error) {
	switch policy {
	case PolicySerial:
		return NewSerial(storage, opts...), nil
	case PolicyParallel:
		return NewParallel(storage, size, opts...)
	case PolicySingle:
		return NewSingle(storage, opts...), nil
	}
	return nil, dberr.Argument("invalid thread policy %d", int(policy))
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
