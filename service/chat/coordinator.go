package chat

import (
	"chatty/logger"
	"chatty/tools/errs"
	"chatty/tools/ids"
	"chatty/tools/safe"
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ===== 配置 =====

type CoordinatorConf struct {
	SendQueue     int              // 每连接发送队列长度
	IdleTimeout   time.Duration    // 无任何入站活动多久视为断开（<=0 不清理）
	SweepEvery    time.Duration    // 清理周期
	SinkTimeout   time.Duration    // PresenceSink 单次调用超时
	MirrorRefresh time.Duration    // 重写镜像续期的周期，应小于镜像 TTL（<=0 不续期）
	Clock         func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *CoordinatorConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 2 * time.Second
	}
}

// PresenceSink mirrors admissions and detachments somewhere outside the process.
// Calls arrive in registry mutation order, one at a time. Online overwrites and renews the
// entry; Offline must only remove the entry written by the same connID.
type PresenceSink interface {
	Online(ctx context.Context, userID, connID string) error
	Offline(ctx context.Context, userID, connID string) error
}

// Coordinator owns connection lifecycle, presence broadcasts and message delivery.
//
// Every registry mutation, the online-set snapshot taken after it and the enqueue of the
// resulting presence frame to each registered connection happen under mu. Outbound queues
// are FIFO with a single writer, so every connection sees events in mutation order.
type Coordinator struct {
	conf  CoordinatorConf
	reg   *Registry
	sink  PresenceSink
	order *sinkOrder
	met   *Metrics

	mu      sync.Mutex
	live    map[string]*Conn // connID -> conn, superseded ones included
	closing bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Coordinator)

func WithPresenceSink(s PresenceSink) Option {
	return func(h *Coordinator) { h.sink = s }
}

func WithMetrics(m *Metrics) Option {
	return func(h *Coordinator) { h.met = m }
}

func NewCoordinator(conf CoordinatorConf, opts ...Option) *Coordinator {
	conf.norm()
	h := &Coordinator{
		conf:   conf,
		reg:    NewRegistry(),
		order:  newSinkOrder(),
		live:   make(map[string]*Conn),
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.met == nil {
		h.met = NewMetrics(nil)
	}
	if conf.IdleTimeout > 0 {
		h.wg.Add(1)
		safe.Go("chat-sweeper", func() {
			defer h.wg.Done()
			h.sweeper()
		})
	}
	if h.sink != nil && conf.MirrorRefresh > 0 {
		h.wg.Add(1)
		safe.Go("chat-mirror-refresh", func() {
			defer h.wg.Done()
			h.refresher()
		})
	}
	return h
}

func (h *Coordinator) Registry() *Registry { return h.reg }

// Admit registers an authenticated connection for userID and broadcasts the new online set
// to every registered connection, the new one included. A previous connection for the same
// identity stays open but receives no further events.
func (h *Coordinator) Admit(ctx context.Context, userID string, t Transport) (*Conn, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		h.met.Refused.Inc()
		return nil, errs.ErrUnauthenticated.WrapMsg("empty identity")
	}
	if t == nil {
		h.met.Refused.Inc()
		return nil, errs.ErrArgs.WrapMsg("nil transport")
	}
	c := newConn(ids.GenerateString(), userID, t, h.conf.SendQueue, h.conf.Clock())

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		h.met.Refused.Inc()
		return nil, errs.ErrInternalServer.WrapMsg("coordinator closed")
	}
	c.activate()
	h.live[c.ID] = c
	prev := h.reg.Register(userID, c)
	failed := h.broadcastLocked()
	ticket := h.order.take()
	h.wg.Add(1)
	h.mu.Unlock()

	safe.Go("chat-writer", func() {
		defer h.wg.Done()
		c.writeLoop(h.onWriteFail)
	})

	h.met.Admitted.Inc()
	h.met.LiveConns.Inc()
	if prev != nil {
		h.met.Superseded.Inc()
		logger.Info("[Chat] connection superseded",
			zap.String("user", userID), zap.String("old", prev.ID), zap.String("new", c.ID))
	}
	logger.Info("[Chat] admitted", zap.String("user", userID), zap.String("conn", c.ID), zap.String("remote", c.Remote))

	h.order.run(ticket, func() { h.sinkOnline(ctx, c) })
	h.detachAll(failed, ReasonSendFailed)
	return c, nil
}

// Detach closes c and, if it was still the registered connection for its identity, removes
// the identity and broadcasts the new online set. Repeated calls are no-ops.
// Returns true when the online set changed.
func (h *Coordinator) Detach(c *Conn, reason string) bool {
	if c == nil {
		return false
	}
	wasActive, ok := c.markClosed()
	if !ok {
		return false
	}
	c.shutdown(reason)
	if !wasActive {
		return false
	}

	h.mu.Lock()
	delete(h.live, c.ID)
	removed := h.reg.DeregisterConn(c.UserID, c)
	var (
		failed []*Conn
		ticket uint64
	)
	if removed {
		ticket = h.order.take()
		if !h.closing {
			failed = h.broadcastLocked()
		}
	}
	h.mu.Unlock()

	h.met.LiveConns.Dec()
	h.met.Detached.WithLabelValues(reason).Inc()
	logger.Info("[Chat] detached", zap.String("user", c.UserID), zap.String("conn", c.ID),
		zap.String("reason", reason), zap.Bool("deregistered", removed))

	if removed {
		h.order.run(ticket, func() { h.sinkOffline(c) })
	}
	h.detachAll(failed, ReasonSendFailed)
	return removed
}

// Deliver pushes a new-message event to the recipient's registered connection.
// An offline recipient is not an error; the message stays persisted for history.
func (h *Coordinator) Deliver(ctx context.Context, msg Routable) bool {
	if msg == nil {
		return false
	}
	to := msg.GetTo()
	frame, err := EncodeMessage(msg)
	if err != nil {
		logger.Error("[Chat] encode message failed", zap.String("to", to), zap.Error(err))
		h.met.Deliveries.WithLabelValues("failed").Inc()
		return false
	}

	h.mu.Lock()
	c, ok := h.reg.Lookup(to)
	queued := ok && c.enqueue(frame)
	h.mu.Unlock()

	switch {
	case !ok:
		h.met.Deliveries.WithLabelValues("offline").Inc()
		logger.Debug("[Chat] recipient offline", zap.String("from", msg.GetFrom()), zap.String("to", to))
		return false
	case !queued:
		h.met.Deliveries.WithLabelValues("failed").Inc()
		logger.Warn("[Chat] deliver enqueue failed", zap.String("to", to), zap.String("conn", c.ID))
		h.Detach(c, ReasonSendFailed)
		return false
	}
	h.met.Deliveries.WithLabelValues("delivered").Inc()
	return true
}

// Touch records inbound activity on c.
func (h *Coordinator) Touch(c *Conn) {
	if c != nil {
		c.touch(h.conf.Clock())
	}
}

// Kick detaches whatever connection is registered for userID.
func (h *Coordinator) Kick(userID, reason string) bool {
	c, ok := h.reg.Lookup(userID)
	if !ok {
		return false
	}
	if reason == "" {
		reason = ReasonKicked
	}
	return h.Detach(c, reason)
}

// Online returns the sorted online set.
func (h *Coordinator) Online() []string { return h.reg.OnlineIdentities() }

func (h *Coordinator) IsOnline(userID string) bool {
	_, ok := h.reg.Lookup(userID)
	return ok
}

// LiveCount counts admitted, not yet detached connections.
func (h *Coordinator) LiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Close stops the sweeper and detaches every live connection without further broadcasts.
func (h *Coordinator) Close() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	h.closing = true
	all := make([]*Conn, 0, len(h.live))
	for _, c := range h.live {
		all = append(all, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		h.Detach(c, ReasonShutdown)
	}
	h.wg.Wait()
}

func (h *Coordinator) broadcastLocked() (failed []*Conn) {
	online, conns := h.reg.Snapshot()
	h.met.OnlineUsers.Set(float64(len(online)))
	frame, err := EncodePresence(online)
	if err != nil {
		logger.Error("[Chat] encode presence failed", zap.Error(err))
		return nil
	}
	h.met.Broadcasts.Inc()
	for _, c := range conns {
		if !c.enqueue(frame) {
			failed = append(failed, c)
		}
	}
	return failed
}

func (h *Coordinator) detachAll(cs []*Conn, reason string) {
	for _, c := range cs {
		logger.Warn("[Chat] send queue unavailable, detaching", zap.String("user", c.UserID), zap.String("conn", c.ID))
		h.Detach(c, reason)
	}
}

func (h *Coordinator) onWriteFail(c *Conn, err error) {
	logger.Info("[Chat] write failed", zap.String("user", c.UserID), zap.String("conn", c.ID), zap.Error(err))
	h.Detach(c, ReasonSendFailed)
}

func (h *Coordinator) sinkOnline(ctx context.Context, c *Conn) {
	if h.sink == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.conf.SinkTimeout)
	defer cancel()
	if err := h.sink.Online(ctx, c.UserID, c.ID); err != nil {
		logger.Warn("[Chat] presence mirror online failed", zap.String("user", c.UserID), zap.Error(err))
	}
}

func (h *Coordinator) sinkOffline(c *Conn) {
	if h.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.conf.SinkTimeout)
	defer cancel()
	if err := h.sink.Offline(ctx, c.UserID, c.ID); err != nil {
		logger.Warn("[Chat] presence mirror offline failed", zap.String("user", c.UserID), zap.Error(err))
	}
}

// ===== 镜像 =====

// sinkOrder hands out tickets while Coordinator.mu is held and runs the matching sink calls
// strictly in ticket order, so the mirror is written in the same order the registry changed.
// Every ticket taken must be passed to run exactly once.
type sinkOrder struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func newSinkOrder() *sinkOrder {
	o := &sinkOrder{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *sinkOrder) take() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.next
	o.next++
	return t
}

func (o *sinkOrder) run(ticket uint64, fn func()) {
	o.mu.Lock()
	for o.serving != ticket {
		o.cond.Wait()
	}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.serving++
		o.cond.Broadcast()
		o.mu.Unlock()
	}()
	fn()
}

func (h *Coordinator) refresher() {
	t := time.NewTicker(h.conf.MirrorRefresh)
	defer t.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-t.C:
			h.refreshMirror()
		}
	}
}

// refreshMirror rewrites the entry of every registered connection, renewing its TTL.
func (h *Coordinator) refreshMirror() int {
	if h.sink == nil {
		return 0
	}
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return 0
	}
	_, conns := h.reg.Snapshot()
	ticket := h.order.take()
	h.mu.Unlock()

	h.order.run(ticket, func() {
		for _, c := range conns {
			h.sinkOnline(context.Background(), c)
		}
	})
	return len(conns)
}

// ===== 清理 =====

func (h *Coordinator) sweeper() {
	t := time.NewTicker(h.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-t.C:
			if n := h.sweepOnce(h.conf.Clock()); n > 0 {
				logger.Info("[Chat] idle connections swept", zap.Int("count", n))
			}
		}
	}
}

func (h *Coordinator) sweepOnce(now time.Time) int {
	if h.conf.IdleTimeout <= 0 {
		return 0
	}
	var expired []*Conn
	h.mu.Lock()
	for _, c := range h.live {
		if now.Sub(c.LastActive()) > h.conf.IdleTimeout {
			expired = append(expired, c)
		}
	}
	h.mu.Unlock()
	for _, c := range expired {
		h.Detach(c, ReasonIdle)
	}
	return len(expired)
}
