package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wa-bulk-sender/types"
)

type fakeTransport struct {
	events     chan Event
	connectErr error
	// Close and Logout wait on these when set.
	closeGate  chan struct{}
	logoutGate chan struct{}

	mu        sync.Mutex
	sendFn    func(ctx context.Context, recipient, text string) (string, error)
	profile   *types.UserInfo
	profiles  int
	account   string
	saveErr   error
	saved     int
	closed    int
	loggedOut int
	sent      []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return f.connectErr }
func (f *fakeTransport) Events() <-chan Event             { return f.events }

func (f *fakeTransport) Send(ctx context.Context, recipient, text string) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, recipient)
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return "MSG-1", nil
	}
	return fn(ctx, recipient, text)
}

func (f *fakeTransport) Profile(ctx context.Context) (*types.UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles++
	if f.profile == nil {
		return nil, errors.New("no profile")
	}
	return f.profile, nil
}

func (f *fakeTransport) Logout(ctx context.Context) error {
	if f.logoutGate != nil {
		<-f.logoutGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut++
	return nil
}

func (f *fakeTransport) Close() error {
	if f.closeGate != nil {
		<-f.closeGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) SaveCredentials(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved++
	return f.saveErr
}

func (f *fakeTransport) Account() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) logoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut
}

type fakeFactory struct {
	mu         sync.Mutex
	err        error
	configure  func(*fakeTransport)
	before     func()
	transports []*fakeTransport
	creds      []*Credentials
}

// blockNext makes the next NewTransport call wait for release. entered is
// closed once the call is waiting.
func (f *fakeFactory) blockNext() (entered <-chan struct{}, release func()) {
	in := make(chan struct{})
	gate := make(chan struct{})
	var once, released sync.Once
	f.mu.Lock()
	f.before = func() {
		once.Do(func() {
			close(in)
			<-gate
		})
	}
	f.mu.Unlock()
	return in, func() { released.Do(func() { close(gate) }) }
}

func (f *fakeFactory) NewTransport(ctx context.Context, creds *Credentials) (Transport, error) {
	f.mu.Lock()
	before := f.before
	f.mu.Unlock()
	if before != nil {
		before()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := newFakeTransport()
	if f.configure != nil {
		f.configure(t)
	}
	copied := *creds
	f.creds = append(f.creds, &copied)
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) transport(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[i]
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[len(f.transports)-1]
}

type scheduledCall struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	stopped bool
}

func (c *scheduledCall) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := !c.stopped
	c.stopped = true
	return was
}

// fakeScheduler records reconnect timers instead of running them.
type fakeScheduler struct {
	mu    sync.Mutex
	calls []*scheduledCall
}

func (s *fakeScheduler) schedule(d time.Duration, fn func()) stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &scheduledCall{delay: d, fn: fn}
	s.calls = append(s.calls, c)
	return c
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.delay
	}
	return out
}

// fire runs the i-th timer as if it had expired.
func (s *fakeScheduler) fire(t *testing.T, i int) {
	t.Helper()
	s.mu.Lock()
	if i >= len(s.calls) {
		s.mu.Unlock()
		t.Fatalf("timer %d was never scheduled", i)
	}
	c := s.calls[i]
	s.mu.Unlock()

	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if !stopped {
		c.fn()
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
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

type harness struct {
	reg     *Registry
	store   *CredentialStore
	factory *fakeFactory
	sched   *fakeScheduler
	clock   *fakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store, err := NewCredentialStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	h := &harness{
		store:   store,
		factory: &fakeFactory{},
		sched:   &fakeScheduler{},
		clock:   newFakeClock(),
	}
	base := []Option{
		withScheduler(h.sched.schedule),
		WithClock(h.clock.Now),
		WithRenderer(func(payload string, size int) (string, error) {
			return "data:image/png;base64," + payload, nil
		}),
	}
	h.reg = NewRegistry(DefaultConfig(), store, h.factory, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.reg.Shutdown(ctx)
	})
	return h
}

func (h *harness) session(t *testing.T, tenantID string) *Session {
	t.Helper()
	s, err := h.reg.getOrCreate(tenantID)
	if err != nil {
		t.Fatalf("getOrCreate(%q): %v", tenantID, err)
	}
	return s
}

// ready initializes the tenant and drives it to ready.
func (h *harness) ready(t *testing.T, tenantID string) (*Session, *fakeTransport) {
	t.Helper()
	if _, err := h.reg.Initialize(context.Background(), tenantID); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	s := h.session(t, tenantID)
	tr := h.factory.last()
	emit(s, StateChange{State: ConnOpen})
	if got := s.Status().Status; got != types.StatusReady {
		t.Fatalf("expected ready, got %s", got)
	}
	return s, tr
}

// emit delivers ev as if it came from the session's current transport.
func emit(s *Session, ev Event) {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	s.deliver(gen, ev)
}

func closedBy(cause string) StateChange {
	return StateChange{State: ConnClosed, Cause: cause, Err: errors.New(cause)}
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
