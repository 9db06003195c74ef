package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"wa-bulk-sender/cache"
	"wa-bulk-sender/queue"
	"wa-bulk-sender/types"
	"wa-bulk-sender/utils"
)

const teardownWorkers = 16

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.env.log = log }
}

func WithMetrics(m *utils.Metrics) Option {
	return func(r *Registry) { r.env.metrics = m }
}

// WithRegisterer registers the profile cache collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Registry) { r.registerer = reg }
}

// WithRenderer replaces the pairing image renderer.
func WithRenderer(render func(payload string, size int) (string, error)) Option {
	return func(r *Registry) { r.env.render = render }
}

// WithClock replaces the time source used for activity tracking.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.env.now = now }
}

func withScheduler(schedule scheduleFunc) Option {
	return func(r *Registry) { r.env.schedule = schedule }
}

// Registry owns every tenant session of the process.
type Registry struct {
	env        *env
	dispatcher *Dispatcher
	registerer prometheus.Registerer
	profiles   *cache.Cache

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	cron     *cron.Cron
}

// NewRegistry builds an empty registry. Call Start to schedule the reaper
// and Shutdown to release every session.
func NewRegistry(cfg Config, store *CredentialStore, factory Factory, opts ...Option) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		env: &env{
			cfg:        cfg,
			store:      store,
			factory:    factory,
			classifier: NewClassifier(cfg.RestartCauses, cfg.LoggedOutCauses),
			render:     utils.QRDataURL,
			schedule:   afterFunc,
			now:        time.Now,
			pool:       queue.NewWorkerPool(teardownWorkers),
			log:        zerolog.Nop(),
		},
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.dispatcher = NewDispatcher(cfg.SendTimeout, r.env.metrics, r.env.log)
	r.profiles = cache.NewCache(1024, cache.NewCacheMetrics(r.registerer, "profiles"))
	return r
}

// Classifier exposes the cause table so transports can register their own codes.
func (r *Registry) Classifier() *Classifier {
	return r.env.classifier
}

// Start schedules the idle-session reaper.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.cron != nil {
		return nil
	}
	c := cron.New()
	schedule := fmt.Sprintf("@every %s", r.env.cfg.ReapInterval)
	if _, err := c.AddFunc(schedule, func() { r.Reap() }); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	c.Start()
	r.cron = c
	r.env.log.Info().Dur("interval", r.env.cfg.ReapInterval).Dur("idle_timeout", r.env.cfg.IdleTimeout).Msg("Session reaper started")
	return nil
}

// Shutdown stops the reaper and closes every live transport. Stored
// credentials are kept so sessions resume after a restart.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	c := r.cron
	r.cron = nil
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	for id, s := range sessions {
		t, _ := s.shutdown(false, true)
		if t == nil {
			continue
		}
		tenantID := id
		r.env.pool.Submit(func() {
			if err := closeWithin(t, r.env.cfg.TeardownTimeout); err != nil {
				r.env.log.Warn().Err(err).Str("tenant", tenantID).Msg("Error closing transport on shutdown")
				r.env.metrics.RecordTeardownError()
			}
		})
	}
	r.env.metrics.SetActiveSessions(0)
	r.profiles.Stop()

	return r.env.pool.WaitContext(ctx)
}

// getOrCreate returns the tenant's session, creating a disconnected one if
// needed, and marks it active.
func (r *Registry) getOrCreate(tenantID string) (*Session, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	r.mu.RLock()
	s, ok := r.sessions[tenantID]
	if ok {
		s.touch()
	}
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return s, nil
	}
	if closed {
		return nil, ErrClosed
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok = r.sessions[tenantID]
	if !ok {
		s = newSession(tenantID, r.env)
		r.sessions[tenantID] = s
		r.env.metrics.SetActiveSessions(len(r.sessions))
	}
	s.touch()
	r.mu.Unlock()
	return s, nil
}

// lookup returns an existing session without creating one.
func (r *Registry) lookup(tenantID string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[tenantID]
	if ok {
		s.touch()
	}
	r.mu.RUnlock()
	return s, ok
}

func (r *Registry) Status(tenantID string) (types.StatusInfo, error) {
	s, err := r.getOrCreate(tenantID)
	if err != nil {
		return types.StatusInfo{Status: types.StatusDisconnected}, err
	}
	return s.Status(), nil
}

func (r *Registry) PairingInfo(tenantID string) (types.PairingInfo, error) {
	s, err := r.getOrCreate(tenantID)
	if err != nil {
		return types.PairingInfo{}, err
	}
	return s.PairingInfo(), nil
}

// Initialize kicks off pairing for the tenant without waiting for it. If
// the reaper evicts the session in the middle of the call, the start is
// retried once on a fresh session.
func (r *Registry) Initialize(ctx context.Context, tenantID string) (types.InitResult, error) {
	for attempt := 0; ; attempt++ {
		s, err := r.getOrCreate(tenantID)
		if err != nil {
			return types.InitResult{Status: types.StatusDisconnected}, err
		}
		res, err := s.Initialize(ctx)
		if errors.Is(err, errEvicted) && attempt == 0 {
			continue
		}
		return res, err
	}
}

func (r *Registry) IsReady(tenantID string) bool {
	s, ok := r.lookup(tenantID)
	return ok && s.IsReady()
}

// Send delivers one message for the tenant. Failures are in the result.
func (r *Registry) Send(ctx context.Context, tenantID, phone, text string) types.SendResult {
	s, _ := r.lookup(tenantID)
	return r.dispatcher.Send(ctx, s, phone, text)
}

// Logout resets the tenant to disconnected and deletes its credentials
// before returning. Server-side logout and transport close happen in the
// background and their errors are only logged.
func (r *Registry) Logout(tenantID string) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}
	r.profiles.Delete(tenantID)

	s, ok := r.lookup(tenantID)
	if !ok {
		return r.env.store.Purge(tenantID)
	}
	t, err := s.shutdown(true, false)
	r.teardown(tenantID, t)
	if err != nil {
		r.env.log.Error().Err(err).Str("tenant", tenantID).Msg("Failed to purge credentials")
		return err
	}
	r.env.log.Info().Str("tenant", tenantID).Msg("Logged out")
	return nil
}

// teardown logs the transport out and closes it on the worker pool, each
// step under its own timeout.
func (r *Registry) teardown(tenantID string, t Transport) {
	if t == nil {
		return
	}
	timeout := r.env.cfg.TeardownTimeout
	log := r.env.log.With().Str("tenant", tenantID).Logger()
	r.env.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := t.Logout(ctx); err != nil {
			log.Warn().Err(err).Msg("Error during transport logout")
			r.env.metrics.RecordTeardownError()
		}
		if err := closeWithin(t, timeout); err != nil {
			log.Warn().Err(err).Msg("Error during transport close")
			r.env.metrics.RecordTeardownError()
		}
	})
}

// Reap evicts sessions idle for longer than the idle timeout and returns
// how many were removed. Idleness is decided and the session evicted under
// the registry lock, so a lookup either refreshes the session first or
// finds it gone.
func (r *Registry) Reap() int {
	threshold := r.env.cfg.IdleTimeout

	type evicted struct {
		s   *Session
		t   Transport
		err error
	}
	var done []evicted

	r.mu.Lock()
	now := r.env.now()
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity()) <= threshold {
			continue
		}
		delete(r.sessions, id)
		t, err := s.shutdown(true, true)
		done = append(done, evicted{s: s, t: t, err: err})
	}
	r.env.metrics.SetActiveSessions(len(r.sessions))
	r.mu.Unlock()

	for _, e := range done {
		log := r.env.log.With().Str("tenant", e.s.tenantID).Logger()
		log.Info().Time("last_activity", e.s.LastActivity()).Msg("Cleaned up expired session")
		if e.err != nil {
			log.Error().Err(e.err).Msg("Failed to purge credentials of expired session")
		}
		r.profiles.Delete(e.s.tenantID)
		r.teardown(e.s.tenantID, e.t)
	}
	r.env.metrics.RecordReaped(len(done))
	return len(done)
}

// UserInfo returns the account of a ready session, or nil if the session
// is not ready.
func (r *Registry) UserInfo(ctx context.Context, tenantID string) (*types.UserInfo, error) {
	s, ok := r.lookup(tenantID)
	if !ok {
		return nil, nil
	}
	t, ok := s.readyTransport()
	if !ok {
		return nil, nil
	}
	if cached, ok := r.profiles.Get(tenantID); ok {
		return cached.(*types.UserInfo), nil
	}
	info, err := t.Profile(ctx)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, errors.New("transport returned no profile")
	}
	r.profiles.Set(tenantID, info, r.env.cfg.ProfileTTL)
	return info, nil
}

func (r *Registry) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) ActiveTenantIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
