package chat

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"chatty/tools/errs"
)

// ===== fakes =====

type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	reason  string
	failErr error         // WriteFrame 返回该错误
	block   chan struct{} // 非 nil 时 WriteFrame 阻塞直到 Close
}

func newFakeTransport() *fakeTransport { return &fakeTransport{} }

func newBlockingTransport() *fakeTransport {
	return &fakeTransport{block: make(chan struct{})}
}

func (f *fakeTransport) WriteFrame(data []byte) error {
	if f.block != nil {
		<-f.block
		return errors.New("transport closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	if f.closed {
		return errors.New("transport closed")
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.reason = reason
		if f.block != nil {
			close(f.block)
		}
	}
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "fake" }

func (f *fakeTransport) events(t *testing.T) []*Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Event, 0, len(f.frames))
	for _, raw := range f.frames {
		ev, err := ParseEvent(raw)
		if err != nil {
			t.Fatalf("bad frame %q: %v", raw, err)
		}
		out = append(out, ev)
	}
	return out
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitFrames(t *testing.T, f *fakeTransport, n int) []*Event {
	t.Helper()
	waitFor(t, "frames", func() bool { return f.count() >= n })
	return f.events(t)
}

func presenceOf(t *testing.T, ev *Event) []string {
	t.Helper()
	ids, err := DecodePresence(ev)
	if err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	return ids
}

type testMessage struct {
	ID   string `json:"_id"`
	From string `json:"senderId"`
	To   string `json:"receiverId"`
	Text string `json:"text"`
}

func (m testMessage) GetFrom() string { return m.From }
func (m testMessage) GetTo() string   { return m.To }

type sinkCall struct {
	op, user, conn string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *recordingSink) Online(_ context.Context, user, conn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{"online", user, conn})
	return nil
}

func (s *recordingSink) Offline(_ context.Context, user, conn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{"offline", user, conn})
	return nil
}

func (s *recordingSink) snapshot() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCoordinator(t *testing.T, conf CoordinatorConf, opts ...Option) *Coordinator {
	t.Helper()
	h := NewCoordinator(conf, opts...)
	t.Cleanup(h.Close)
	return h
}

func admit(t *testing.T, h *Coordinator, user string, tr Transport) *Conn {
	t.Helper()
	c, err := h.Admit(context.Background(), user, tr)
	if err != nil {
		t.Fatalf("admit %s: %v", user, err)
	}
	return c
}

// ===== tests =====

func TestAdmitBroadcastsToEveryRegisteredConn(t *testing.T) {
	h := newTestCoordinator(t, CoordinatorConf{})
	ta, tb := newFakeTransport(), newFakeTransport()

	admit(t, h, "alice", ta)
	evs := waitFrames(t, ta, 1)
	if got := presenceOf(t, evs[0]); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("alice first frame = %v", got)
	}

	admit(t, h, "bob", tb)
	evsA := waitFrames(t, ta, 2)
	evsB := waitFrames(t, tb, 1)
	want := []string{"alice", "bob"}
	if got := presenceOf(t, evsA[1]); !reflect.DeepEqual(got, want) {
		t.Fatalf("alice second frame = %v", got)
	}
	if got := presenceOf(t, evsB[0]); !reflect.DeepEqual(got, want) {
		t.Fatalf("bob first frame = %v", got)
	}
	if !reflect.DeepEqual(h.Online(), want) {
		t.Fatalf("online = %v", h.Online())
	}
}

func TestAdmitRejectsEmptyIdentity(t *testing.T) {
	h := newTestCoordinator(t, CoordinatorConf{})
	tr := newFakeTransport()
	if _, err := h.Admit(context.Background(), "  ", tr); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Fatalf("want Unauthenticated, got %v", err)
	}
	if _, err := h.Admit(context.Background(), "alice", nil); !errors.Is(err, errs.ErrArgs) {
		t.Fatalf("want ArgsError, got %v", err)
	}
	if len(h.Online()) != 0 || h.LiveCount() != 0 {
		t.Fatalf("refused admission changed state")
	}
}

func TestDetachBroadcastsAndIsIdempotent(t *testing.T) {
	h := newTestCoordinator(t, CoordinatorConf{})
	ta, tb := newFakeTransport(), newFakeTransport()
	admit(t, h, "alice", ta)
	cb := admit(t, h, "bob", tb)
	waitFrames(t, ta, 2)

	if !h.Detach(cb, ReasonClosed) {
		t.Fatalf("detach bob should change the online set")
	}
	evs := waitFrames(t, ta, 3)
	if got := presenceOf(t, evs[2]); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("alice third frame = %v", got)
	}
	if !tb.isClosed() || cb.State() != StateClosed || cb.CloseReason() != ReasonClosed {
		t.Fatalf("bob not closed: state=%v reason=%q", cb.State(), cb.CloseReason())
	}

	if h.Detach(cb, ReasonError) {
		t.Fatalf("second detach should be a no-op")
	}
	time.Sleep(30 * time.Millisecond)
	if n := ta.count(); n != 3 {
		t.Fatalf("repeat detach broadcast again: %d frames", n)
	}
	if cb.CloseReason() != ReasonClosed {
		t.Fatalf("reason overwritten: %q", cb.CloseReason())
	}
}

func TestSupersededConnGetsNothingAndCannotEvictSuccessor(t *testing.T) {
	h := newTestCoordinator(t, CoordinatorConf{})
	t1, t2, tb := newFakeTransport(), newFakeTransport(), newFakeTransport()

	c1 := admit(t, h, "alice", t1)
	waitFrames(t, t1, 1)
	c2 := admit(t, h, "alice", t2)
	waitFrames(t, t2, 1)
	admit(t, h, "bob", tb)
	waitFrames(t, t2, 2)

	if got, _ := h.Registry().Lookup("alice"); got != c2 {
		t.Fatalf("registry should hold the newest conn")
	}
	if c1.State() != StateActive || t1.isClosed() {
		t.Fatalf("superseded conn should stay open")
	}

	if !h.Deliver(context.Background(), testMessage{ID: "m1", From: "bob", To: "alice", Text: "hi"}) {
		t.Fatalf("deliver to alice failed")
	}
	waitFrames(t, t2, 3)

	if h.Detach(c1, ReasonClosed) {
		t.Fatalf("superseded detach must not change the online set")
	}
	time.Sleep(30 * time.Millisecond)
	if n := t1.count(); n != 1 {
		t.Fatalf("superseded conn received %d frames, want 1", n)
	}
	if n := t2.count(); n != 3 {
		t.Fatalf("successor got extra frames: %d", n)
	}
	if !h.IsOnline("alice") {
		t.Fatalf("alice dropped offline by stale detach")
	}
	if h.LiveCount() != 2 {
		t.Fatalf("live = %d, want 2", h.LiveCount())
	}
}

func TestDeliverToOfflineIsNoop(t *testing.T) {
	h := newTestCoordinator(t, CoordinatorConf{})
	ta := newFakeTransport()
	admit(t, h, "alice", ta)
	waitFrames(t, ta, 1)

	if h.Deliver(context.Background(), testMessage{From: "alice", To: "ghost"}) {
		t.Fatalf("deliver to offline reported success")
	}
	if h.Deliver(context.Background(), nil) {
		t.Fatalf("nil message reported success")
	}
	time.Sleep(30 * time.Millisecond)
	if n := ta.count(); n != 1 {
		t.Fatalf("sender got %d frames", n)
	}
}

func TestPerConnectionOrderFollowsIssueOrder(t *testing.T) {
	h := newTestCoordinator(t, CoordinatorConf{})
	ta, tb := newFakeTransport(), newFakeTransport()
	admit(t, h, "alice", ta)
	cb := admit(t, h, "bob", tb)
	h.Deliver(context.Background(), testMessage{ID: "m1", From: "bob", To: "alice", Text: "one"})
	h.Detach(cb, ReasonClosed)
	h.Deliver(context.Background(), testMessage{ID: "m2", From: "bob", To: "alice", Text: "two"})

	evs := waitFrames(t, ta, 5)
	kinds := make([]string, len(evs))
	for i, ev := range evs {
		kinds[i] = ev.Event
	}
	wantKinds := []string{EventPresenceChanged, EventPresenceChanged, EventNewMessage, EventPresenceChanged, EventNewMessage}
	if !reflect.DeepEqual(kinds, wantKinds) {
		t.Fatalf("event order = %v", kinds)
	}
	if got := presenceOf(t, evs[1]); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("frame 1 = %v", got)
	}
	if got := presenceOf(t, evs[3]); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("frame 3 = %v", got)
	}
}

func TestLastPresenceFrameMatchesOnlineSet(t *testing.T) {
	h := newTestCoordinator(t, CoordinatorConf{})
	trs := map[string]*fakeTransport{}
	conns := map[string]*Conn{}
	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		trs[u] = newFakeTransport()
		conns[u] = admit(t, h, u, trs[u])
	}
	h.Detach(conns["u2"], ReasonClosed)
	h.Detach(conns["u4"], ReasonTimeout)

	want := []string{"u1", "u3"}
	for _, u := range want {
		tr := trs[u]
		waitFor(t, "final presence for "+u, func() bool {
			evs := tr.events(t)
			return len(evs) > 0 && reflect.DeepEqual(presenceOf(t, evs[len(evs)-1]), want)
		})
	}
	if !reflect.DeepEqual(h.Online(), want) {
		t.Fatalf("online = %v", h.Online())
	}
}

func TestSlowConsumerIsDetachedWithoutBlockingOthers(t *testing.T) {
	h := newTestCoordinator(t, CoordinatorConf{SendQueue: 1})
	slow := newBlockingTransport()
	cs := admit(t, h, "slow", slow)

	done := make(chan struct{})
	fast := map[string]*fakeTransport{}
	go func() {
		defer close(done)
		for _, u := range []string{"f1", "f2", "f3"} {
			fast[u] = newFakeTransport()
			if _, err := h.Admit(context.Background(), u, fast[u]); err != nil {
				t.Errorf("admit %s: %v", u, err)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("admissions blocked behind a slow consumer")
	}

	waitFor(t, "slow consumer detached", func() bool { return cs.State() == StateClosed })
	if cs.CloseReason() != ReasonSendFailed {
		t.Fatalf("reason = %q", cs.CloseReason())
	}
	want := []string{"f1", "f2", "f3"}
	waitFor(t, "f1 sees slow gone", func() bool {
		evs := fast["f1"].events(t)
		return len(evs) > 0 && reflect.DeepEqual(presenceOf(t, evs[len(evs)-1]), want)
	})
	if !reflect.DeepEqual(h.Online(), want) {
		t.Fatalf("online = %v", h.Online())
	}
}

func TestSupersededConnStaysLiveWhileActive(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	h := newTestCoordinator(t, CoordinatorConf{IdleTimeout: 30 * time.Second, SweepEvery: time.Hour, Clock: clk.Now})
	c1 := admit(t, h, "alice", newFakeTransport())
	c2 := admit(t, h, "alice", newFakeTransport())

	clk.Advance(20 * time.Second)
	h.Touch(c1)
	h.Touch(c2)
	clk.Advance(20 * time.Second)

	if n := h.sweepOnce(clk.Now()); n != 0 {
		t.Fatalf("swept %d active conns", n)
	}
	if c1.State() != StateActive || h.LiveCount() != 2 {
		t.Fatalf("superseded conn state=%v live=%d", c1.State(), h.LiveCount())
	}
	h.Detach(c1, ReasonClosed)
	if h.LiveCount() != 1 || !h.IsOnline("alice") {
		t.Fatalf("after client close: live=%d online=%v", h.LiveCount(), h.Online())
	}
}

func TestWriteFailureDetaches(t *testing.T) {
	h := newTestCoordinator(t, CoordinatorConf{})
	bad := newFakeTransport()
	bad.failErr = errors.New("broken pipe")
	c := admit(t, h, "alice", bad)
	waitFor(t, "detach after write failure", func() bool { return c.State() == StateClosed })
	if h.IsOnline("alice") {
		t.Fatalf("alice still online")
	}
}

func TestIdleSweepAndTouch(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	h := newTestCoordinator(t, CoordinatorConf{IdleTimeout: 30 * time.Second, SweepEvery: time.Hour, Clock: clk.Now})
	ta, tb := newFakeTransport(), newFakeTransport()
	ca := admit(t, h, "alice", ta)
	cb := admit(t, h, "bob", tb)

	clk.Advance(20 * time.Second)
	h.Touch(ca)
	clk.Advance(20 * time.Second)

	if n := h.sweepOnce(clk.Now()); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if cb.State() != StateClosed || cb.CloseReason() != ReasonIdle {
		t.Fatalf("bob state=%v reason=%q", cb.State(), cb.CloseReason())
	}
	if ca.State() != StateActive {
		t.Fatalf("touched conn was swept")
	}
	if !reflect.DeepEqual(h.Online(), []string{"alice"}) {
		t.Fatalf("online = %v", h.Online())
	}
}

func TestKick(t *testing.T) {
	h := newTestCoordinator(t, CoordinatorConf{})
	ta := newFakeTransport()
	c := admit(t, h, "alice", ta)
	if !h.Kick("alice", "") {
		t.Fatalf("kick alice = false")
	}
	if c.CloseReason() != ReasonKicked {
		t.Fatalf("reason = %q", c.CloseReason())
	}
	if h.Kick("alice", "") {
		t.Fatalf("kick of offline identity should be a no-op")
	}
}

func TestPresenceSinkMirrorsRegisteredConnOnly(t *testing.T) {
	sink := &recordingSink{}
	h := newTestCoordinator(t, CoordinatorConf{}, WithPresenceSink(sink))
	c1 := admit(t, h, "alice", newFakeTransport())
	c2 := admit(t, h, "alice", newFakeTransport())
	h.Detach(c1, ReasonClosed)
	h.Detach(c2, ReasonClosed)

	want := []sinkCall{
		{"online", "alice", c1.ID},
		{"online", "alice", c2.ID},
		{"offline", "alice", c2.ID},
	}
	if got := sink.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sink calls = %v, want %v", got, want)
	}
}

// mirrorSink keeps one value per user like the Redis mirror; the first Online can be slowed down.
type mirrorSink struct {
	mu         sync.Mutex
	m          map[string]string
	onlines    int
	firstDelay time.Duration
}

func newMirrorSink(firstDelay time.Duration) *mirrorSink {
	return &mirrorSink{m: make(map[string]string), firstDelay: firstDelay}
}

func (s *mirrorSink) Online(_ context.Context, user, conn string) error {
	s.mu.Lock()
	first := s.onlines == 0
	s.onlines++
	s.mu.Unlock()
	if first {
		time.Sleep(s.firstDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[user] = conn
	return nil
}

func (s *mirrorSink) Offline(_ context.Context, user, conn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[user] == conn {
		delete(s.m, user)
	}
	return nil
}

func (s *mirrorSink) get(user string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[user]
	return v, ok
}

func TestMirrorFollowsRegistryOrderUnderConcurrentAdmits(t *testing.T) {
	sink := newMirrorSink(100 * time.Millisecond)
	h := newTestCoordinator(t, CoordinatorConf{}, WithPresenceSink(sink))

	first := make(chan *Conn, 1)
	go func() {
		c, err := h.Admit(context.Background(), "alice", newFakeTransport())
		if err != nil {
			t.Errorf("admit c1: %v", err)
		}
		first <- c
	}()
	time.Sleep(20 * time.Millisecond)
	c2 := admit(t, h, "alice", newFakeTransport())

	if v, _ := sink.get("alice"); v != c2.ID {
		t.Fatalf("mirror = %q, want successor %q", v, c2.ID)
	}
	h.Detach(c2, ReasonClosed)
	c1 := <-first
	h.Detach(c1, ReasonClosed)

	if h.IsOnline("alice") {
		t.Fatalf("alice still registered")
	}
	if v, ok := sink.get("alice"); ok {
		t.Fatalf("alice offline but mirror still holds %q", v)
	}
}

func TestMirrorRefreshRewritesRegisteredConns(t *testing.T) {
	sink := &recordingSink{}
	h := newTestCoordinator(t, CoordinatorConf{}, WithPresenceSink(sink))
	admit(t, h, "alice", newFakeTransport())
	a2 := admit(t, h, "alice", newFakeTransport())
	b := admit(t, h, "bob", newFakeTransport())
	before := len(sink.snapshot())

	if n := h.refreshMirror(); n != 2 {
		t.Fatalf("refreshed %d, want 2", n)
	}
	got := map[sinkCall]bool{}
	for _, c := range sink.snapshot()[before:] {
		got[c] = true
	}
	want := map[sinkCall]bool{{"online", "alice", a2.ID}: true, {"online", "bob", b.ID}: true}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("refresh calls = %v, want %v", got, want)
	}
}

func TestMirrorRefreshRunsPeriodically(t *testing.T) {
	sink := &recordingSink{}
	h := newTestCoordinator(t, CoordinatorConf{MirrorRefresh: 10 * time.Millisecond}, WithPresenceSink(sink))
	admit(t, h, "alice", newFakeTransport())
	waitFor(t, "mirror refresh", func() bool { return len(sink.snapshot()) >= 3 })
	for _, c := range sink.snapshot() {
		if c.op != "online" || c.user != "alice" {
			t.Fatalf("unexpected sink call %v", c)
		}
	}
}

func TestCloseDetachesEverythingAndRefusesNewConns(t *testing.T) {
	h := NewCoordinator(CoordinatorConf{IdleTimeout: time.Minute})
	ta, tb := newFakeTransport(), newFakeTransport()
	ca := admit(t, h, "alice", ta)
	cb := admit(t, h, "bob", tb)

	h.Close()
	for _, c := range []*Conn{ca, cb} {
		if c.State() != StateClosed || c.CloseReason() != ReasonShutdown {
			t.Fatalf("%s state=%v reason=%q", c.UserID, c.State(), c.CloseReason())
		}
	}
	if h.LiveCount() != 0 || len(h.Online()) != 0 {
		t.Fatalf("state left after close: live=%d online=%v", h.LiveCount(), h.Online())
	}
	if _, err := h.Admit(context.Background(), "carol", newFakeTransport()); err == nil {
		t.Fatalf("admit after close should fail")
	}
	h.Close()
}
