package chat

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle of a Conn: Pending -> Active -> Closed. Closed is terminal.
type State int32

const (
	StatePending State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Detach reasons, also used as the metrics label.
const (
	ReasonClosed     = "closed"
	ReasonTimeout    = "timeout"
	ReasonError      = "error"
	ReasonIdle       = "idle"
	ReasonSendFailed = "send_failed"
	ReasonShutdown   = "shutdown"
	ReasonKicked     = "kicked"
)

// Transport is the send capability of one live client channel.
// WriteFrame is only ever called from the connection's single writer goroutine.
type Transport interface {
	WriteFrame(data []byte) error
	Close(reason string) error
	RemoteAddr() string
}

// Conn is one live client channel owned by the Coordinator from admission to detachment.
type Conn struct {
	ID        string
	UserID    string
	Remote    string
	CreatedAt time.Time

	state      atomic.Int32
	lastActive atomic.Int64 // unix nano

	send      chan []byte // 每连接独立发送队列，单写协程消费
	transport Transport
	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value // string
}

func newConn(id, user string, t Transport, queue int, now time.Time) *Conn {
	if queue <= 0 {
		queue = 256
	}
	c := &Conn{
		ID:        id,
		UserID:    user,
		Remote:    t.RemoteAddr(),
		CreatedAt: now,
		send:      make(chan []byte, queue),
		transport: t,
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StatePending))
	c.lastActive.Store(now.UnixNano())
	return c
}

func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseReason returns the detach reason, empty while not closed.
func (c *Conn) CloseReason() string {
	r, _ := c.reason.Load().(string)
	return r
}

func (c *Conn) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

func (c *Conn) touch(now time.Time) { c.lastActive.Store(now.UnixNano()) }

func (c *Conn) activate() bool {
	return c.state.CompareAndSwap(int32(StatePending), int32(StateActive))
}

// markClosed moves the conn to Closed from any earlier state; only the first caller wins.
func (c *Conn) markClosed() (wasActive bool, ok bool) {
	for {
		cur := State(c.state.Load())
		if cur == StateClosed {
			return false, false
		}
		if c.state.CompareAndSwap(int32(cur), int32(StateClosed)) {
			return cur == StateActive, true
		}
	}
}

// enqueue never blocks; false means the queue is full or the conn is gone.
func (c *Conn) enqueue(frame []byte) bool {
	if c.State() != StateActive {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
		_ = c.transport.Close(reason)
	})
}

// writeLoop drains the queue in FIFO order into the transport until the conn closes.
func (c *Conn) writeLoop(onFail func(*Conn, error)) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.transport.WriteFrame(frame); err != nil {
				onFail(c, err)
				return
			}
		}
	}
}
