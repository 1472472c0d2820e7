package tr

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/myuser/unidb/internal/dberr"
)

// MutexState is the state of the transaction held by a Mutex.
type MutexState int

const (
	StateInitial MutexState = iota
	StateActiveAvailable
	StateActiveLocked
	StateCompleted
)

func (s MutexState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateActiveAvailable:
		return "active"
	case StateActiveLocked:
		return "locked"
	case StateCompleted:
		return "completed"
	}
	return fmt.Sprintf("MutexState(%d)", int(s))
}

// Mutex tracks the one physical transaction a thread may hold. Only an
// ActiveAvailable transaction accepts coalesced requests.
type Mutex struct {
	mu    sync.Mutex
	name  string
	tx    Tx
	scope []string
	mode  Mode
	label string
	state MutexState
	count int

	lastEvent Event
	lastErr   error
}

func NewMutex(name string) *Mutex {
	return &Mutex{name: name}
}

// Up records a newly opened transaction and returns its label.
func (m *Mutex) Up(tx Tx, scope []string, mode Mode) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateActiveAvailable || m.state == StateActiveLocked {
		return "", dberr.InvalidState("mutex %s already holds transaction %s", m.name, m.label)
	}
	m.count++
	m.tx = tx
	m.scope = append([]string{}, scope...)
	m.mode = mode
	m.state = StateActiveAvailable
	m.label = fmt.Sprintf("%s:%d:%s", m.name, m.count, uuid.NewString()[:8])
	return m.label, nil
}

// Out stops the transaction from accepting further requests.
func (m *Mutex) Out() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateActiveAvailable {
		m.state = StateActiveLocked
	}
}

// Down records the terminal event of the transaction.
func (m *Mutex) Down(ev Event, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateCompleted
	m.tx = nil
	m.lastEvent = ev
	m.lastErr = err
}

func (m *Mutex) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateActiveAvailable || m.state == StateActiveLocked
}

func (m *Mutex) IsActiveAndAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateActiveAvailable
}

// Compatible reports whether a request over stores in mode may reuse the
// current transaction: the modes are equal, or the transaction is read-write
// and the request read-only; and every store is in the transaction scope.
func (m *Mutex) Compatible(stores []string, mode Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode != m.mode && !(m.mode == ReadWrite && mode == ReadOnly) {
		return false
	}
	for _, s := range stores {
		if !contains(m.scope, s) {
			return false
		}
	}
	return true
}

// ActiveTx returns the open transaction, or nil.
func (m *Mutex) ActiveTx() Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx
}

func (m *Mutex) Label() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.label
}

func (m *Mutex) State() MutexState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TxCount is the number of transactions opened so far.
func (m *Mutex) TxCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// LastEvent returns the terminal event of the previous transaction.
func (m *Mutex) LastEvent() (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEvent, m.lastErr
}
