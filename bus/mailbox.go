package bus

import "context"

// Mailbox carries one message between the master and the slave side of a
// handle. Its methods must be called from an operation running under the
// owning Core.
type Mailbox struct {
	msg     [MaxMessageSize]byte
	size    int
	gen     uint64
	pending bool
	want    int
	// transfer seen by the slave side, valid while claimed
	claim   uint64
	claimed bool
}

// Reset drops the posted message and any pending request. A claim made
// before the reset goes stale.
func (m *Mailbox) Reset() {
	*m = Mailbox{gen: m.gen + 1, claim: m.claim, claimed: m.claimed}
}

// Pending reports whether a master receive waits for the slave side.
func (m *Mailbox) Pending() bool {
	return m.pending
}

// Want is the size of the pending request.
func (m *Mailbox) Want() int {
	return m.want
}

// Size is the size of the posted message.
func (m *Mailbox) Size() int {
	return m.size
}

// Claim binds the next Take or Answer to the transfer currently posted. If
// the master side withdraws it first, that call fails with ErrTimeout instead
// of serving a later transfer.
func (m *Mailbox) Claim() {
	m.claim = m.gen
	m.claimed = true
}

func (m *Mailbox) Unclaim() {
	m.claimed = false
}

func (m *Mailbox) stale() bool {
	return m.claimed && m.claim != m.gen
}

// Send posts data, moves the handle to BusyTx and waits for the slave side
// to take it. On failure a message still posted by this call is withdrawn.
func (m *Mailbox) Send(ctx context.Context, tx *Txn, data []byte, timeout uint32) Code {
	m.size = copy(m.msg[:], data)
	m.gen++
	mine := m.gen
	tx.SetState(StateBusyTx)
	code := tx.Wait(ctx, timeout, func() bool {
		return m.gen != mine || tx.State() != StateBusyTx
	})
	if code != ErrNone {
		if m.gen == mine && tx.State() == StateBusyTx {
			m.size = 0
			m.gen++
			tx.SetState(StateReady)
		}
		return code
	}
	if tx.State() == StateError {
		return ErrFailState
	}
	return ErrNone
}

// Request asks the slave side for len(buf) bytes and waits for the answer.
func (m *Mailbox) Request(ctx context.Context, tx *Txn, buf []byte, timeout uint32) Code {
	m.want = len(buf)
	m.pending = true
	m.gen++
	tx.Notify()
	code := tx.Wait(ctx, timeout, func() bool {
		s := tx.State()
		return s == StateBusyRx || s == StateError || s == StateReset
	})
	if code != ErrNone {
		if m.pending {
			m.pending = false
			m.want = 0
			m.gen++
			tx.Notify()
		}
		return code
	}
	if code := stalled(tx.State()); code != ErrNone {
		return code
	}
	copy(buf, m.msg[:m.size])
	m.size = 0
	tx.SetState(StateReady)
	return ErrNone
}

// Take waits for a posted message and copies it into buf, which must have
// the posted size.
func (m *Mailbox) Take(ctx context.Context, tx *Txn, buf []byte, timeout uint32) Code {
	defer m.Unclaim()
	code := tx.Wait(ctx, timeout, func() bool {
		return m.stale() || tx.State() == StateBusyTx || stalled(tx.State()) != ErrNone
	})
	if code != ErrNone {
		return code
	}
	if code := stalled(tx.State()); code != ErrNone {
		return code
	}
	if m.stale() {
		return ErrTimeout
	}
	if len(buf) != m.size {
		return ErrSizeMismatch
	}
	copy(buf, m.msg[:m.size])
	m.size = 0
	tx.SetState(StateReady)
	return ErrNone
}

// Answer waits for a master request and satisfies it with data, which must
// have the requested size.
func (m *Mailbox) Answer(ctx context.Context, tx *Txn, data []byte, timeout uint32) Code {
	defer m.Unclaim()
	code := tx.Wait(ctx, timeout, func() bool {
		return m.stale() || m.pending || stalled(tx.State()) != ErrNone
	})
	if code != ErrNone {
		return code
	}
	if code := stalled(tx.State()); code != ErrNone {
		return code
	}
	if m.stale() {
		return ErrTimeout
	}
	if len(data) != m.want {
		return ErrSizeMismatch
	}
	m.size = copy(m.msg[:], data)
	m.pending = false
	m.want = 0
	tx.SetState(StateBusyRx)
	return ErrNone
}

// Await waits until the master side posted a message or a request, without
// consuming it, and claims it. A handle in reset is waited through.
func (m *Mailbox) Await(ctx context.Context, tx *Txn, timeout uint32) (read bool, size int, code Code) {
	code = tx.Wait(ctx, timeout, func() bool {
		return m.pending || tx.State() == StateBusyTx
	})
	if code != ErrNone {
		return false, 0, code
	}
	m.Claim()
	if m.pending {
		return true, m.want, ErrNone
	}
	return false, m.size, ErrNone
}

// stalled reports why the slave side cannot proceed in state s.
func stalled(s State) Code {
	switch s {
	case StateReset:
		return ErrUninitialized
	case StateError:
		return ErrFailState
	}
	return ErrNone
}
