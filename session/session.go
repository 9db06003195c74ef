package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"wa-bulk-sender/queue"
	"wa-bulk-sender/types"
	"wa-bulk-sender/utils"
)

// stopper is the part of *time.Timer the session needs.
type stopper interface {
	Stop() bool
}

type scheduleFunc func(d time.Duration, f func()) stopper

func afterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// env is shared by every session of a registry.
type env struct {
	cfg        Config
	store      *CredentialStore
	factory    Factory
	classifier *Classifier
	render     func(payload string, size int) (string, error)
	schedule   scheduleFunc
	now        func() time.Time
	metrics    *utils.Metrics
	pool       *queue.WorkerPool
	log        zerolog.Logger
}

// allowed lists the forward edges of the state machine. Every state may
// also fall back to connecting or disconnected.
var allowed = map[types.Status][]types.Status{
	types.StatusDisconnected:  nil,
	types.StatusConnecting:    {types.StatusQRReady, types.StatusAuthenticated, types.StatusReady},
	types.StatusQRReady:       {types.StatusQRReady, types.StatusAuthenticated, types.StatusReady},
	types.StatusAuthenticated: {types.StatusReady},
	types.StatusReady:         nil,
}

func canTransition(from, to types.Status) bool {
	if from == to || to == types.StatusConnecting || to == types.StatusDisconnected {
		return true
	}
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one tenant's connection lifecycle. All mutable state is
// guarded by mu, and transport events are handled one at a time under it.
type Session struct {
	tenantID string
	env      *env
	log      zerolog.Logger

	lastActivity atomic.Int64

	mu             sync.Mutex
	status         types.Status
	pairingPayload string
	pairingImage   string
	lastError      string
	retryCount     int
	retry          backoff.BackOff
	retryTimer     stopper
	transport      Transport
	creds          *Credentials
	generation     uint64
	stop           chan struct{}
	// evicted is set once the registry dropped the session.
	evicted        bool
}

func newSession(tenantID string, e *env) *Session {
	s := &Session{
		tenantID: tenantID,
		env:      e,
		log:      e.log.With().Str("tenant", tenantID).Logger(),
		status:   types.StatusDisconnected,
		retry:    newReconnectBackOff(e.cfg),
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActivity.Store(s.env.now().UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) Status() types.StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.StatusInfo{Status: s.status, Error: s.lastError}
}

func (s *Session) PairingInfo() types.PairingInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != types.StatusQRReady {
		return types.PairingInfo{}
	}
	payload, image := s.pairingPayload, s.pairingImage
	return types.PairingInfo{Payload: &payload, Image: &image}
}

func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == types.StatusReady && s.transport != nil
}

func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// readyTransport returns the live transport if the session can send.
func (s *Session) readyTransport() (Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != types.StatusReady || s.transport == nil {
		return nil, false
	}
	return s.transport, true
}

// Initialize starts pairing or resumes a stored session. It returns as soon
// as the session is connecting. A session that is already connecting or
// ready is left alone.
func (s *Session) Initialize(ctx context.Context) (types.InitResult, error) {
	s.mu.Lock()
	if s.status == types.StatusConnecting || s.status == types.StatusReady {
		res := types.InitResult{Accepted: false, Status: s.status}
		s.mu.Unlock()
		return res, nil
	}
	next, err := s.begin(true)
	status := s.status
	s.mu.Unlock()
	if err != nil {
		return types.InitResult{Accepted: false, Status: status}, err
	}

	if err := s.launch(ctx, next); err != nil {
		return types.InitResult{Accepted: false, Status: s.Status().Status}, err
	}
	return types.InitResult{Accepted: true, Status: types.StatusConnecting}, nil
}

// pendingStart is a transport start recorded under mu and finished by
// launch once mu is released.
type pendingStart struct {
	gen   uint64
	creds *Credentials
}

// begin retires the current transport and records connecting. Callers
// hold mu and must pass the result to launch after releasing it.
// explicit resets the retry budget; scheduled reconnects keep it.
func (s *Session) begin(explicit bool) (*pendingStart, error) {
	if s.evicted {
		return nil, errEvicted
	}
	s.cancelRetry()
	gen := s.retire()
	s.release("Error closing superseded transport")

	if explicit {
		s.resetRetry()
	}
	s.clearPairing()
	s.lastError = ""
	s.setStatus(types.StatusConnecting)

	creds, err := s.env.store.Load(s.tenantID)
	if err != nil {
		return nil, s.failInit(err)
	}
	s.creds = creds
	return &pendingStart{gen: gen, creds: creds}, nil
}

// launch builds the transport without holding mu and installs it if no
// newer start, logout or eviction happened in the meantime.
func (s *Session) launch(ctx context.Context, p *pendingStart) error {
	t, err := s.env.factory.NewTransport(ctx, p.creds)

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.gen != s.generation {
		if t != nil {
			s.closeDetached(t, "Error closing transport of an abandoned start")
		}
		if s.evicted {
			return errEvicted
		}
		return nil
	}
	if err != nil {
		return s.failInit(err)
	}

	s.transport = t
	stop := make(chan struct{})
	s.stop = stop
	s.log.Info().Bool("resumable", p.creds.Resumable).Msg("Starting transport")

	go s.consume(p.gen, t.Events(), stop)
	go s.connect(p.gen, t)
	return nil
}

// relaunch finishes a start begun by an event handler or a timer.
func (s *Session) relaunch(p *pendingStart) {
	if p == nil {
		return
	}
	if err := s.launch(context.Background(), p); err != nil {
		s.log.Error().Err(err).Msg("Reconnect failed")
	}
}

func (s *Session) failInit(err error) error {
	s.log.Error().Err(err).Msg("Failed to initialize transport")
	s.lastError = fmt.Sprintf("initialization failed: %v", err)
	s.setStatus(types.StatusDisconnected)
	return fmt.Errorf("%w: %v", ErrInitialization, err)
}

// retire stops event delivery from the current transport and returns the
// next generation. Events tagged with an older generation are dropped.
func (s *Session) retire() uint64 {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.generation++
	return s.generation
}

func (s *Session) consume(gen uint64, events <-chan Event, stop <-chan struct{}) {
	for {
		select {
		case ev := <-events:
			s.deliver(gen, ev)
		case <-stop:
			return
		}
	}
}

func (s *Session) connect(gen uint64, t Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), s.env.cfg.ConnectTimeout)
	defer cancel()

	if err := t.Connect(ctx); err != nil {
		s.deliver(gen, StateChange{State: ConnClosed, Cause: CauseConnectFailed, Err: err})
	}
}

func (s *Session) deliver(gen uint64, ev Event) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		if cu, ok := ev.(CredentialsUpdated); ok && cu.Done != nil {
			cu.Done <- ErrClosed
		}
		return
	}

	var next *pendingStart
	switch e := ev.(type) {
	case PairingChallenge:
		s.onPairing(e)
	case StateChange:
		next = s.onStateChange(e)
	case CredentialsUpdated:
		s.onCredentials(e)
	}
	s.mu.Unlock()

	s.relaunch(next)
}

func (s *Session) onPairing(e PairingChallenge) {
	if !canTransition(s.status, types.StatusQRReady) {
		s.log.Warn().Str("status", string(s.status)).Msg("Ignoring pairing challenge")
		return
	}
	image, err := s.env.render(e.Payload, s.env.cfg.PairingImageSize)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to render pairing image")
		s.lastError = fmt.Sprintf("failed to render QR code: %v", err)
		return
	}
	s.env.metrics.RecordPairingChallenge()
	s.pairingPayload = e.Payload
	s.pairingImage = image
	s.resetRetry()
	s.setStatus(types.StatusQRReady)
	s.log.Info().Msg("Pairing challenge ready")
}

func (s *Session) onStateChange(e StateChange) *pendingStart {
	switch e.State {
	case ConnAuthenticated:
		if s.setStatus(types.StatusAuthenticated) {
			s.clearPairing()
		}
	case ConnOpen:
		if s.setStatus(types.StatusReady) {
			s.clearPairing()
			s.lastError = ""
			s.resetRetry()
			s.log.Info().Msg("Session ready")
		}
	case ConnClosed:
		return s.onDisconnect(e)
	}
	return nil
}

// onDisconnect applies the reaction for the classified cause. A restart is
// returned for the caller to launch once mu is released.
func (s *Session) onDisconnect(e StateChange) *pendingStart {
	kind := s.env.classifier.Classify(e.Cause)
	reason := e.Cause
	if e.Err != nil {
		reason = e.Err.Error()
	}
	log := s.log.With().Str("cause", e.Cause).Str("kind", kind.String()).Int("retry_count", s.retryCount).Logger()
	log.Info().AnErr("reason", e.Err).Msg("Connection closed")

	// Nothing more is expected from this transport.
	gen := s.retire()

	switch kind {
	case LoggedOutRemotely:
		s.env.metrics.RecordDisconnect(kind.String(), "purge")
		s.lastError = "logged out"
		s.giveUp()
		s.creds = nil
		if err := s.env.store.Purge(s.tenantID); err != nil {
			log.Error().Err(err).Msg("Failed to purge credentials")
		}
		return nil

	case RestartRequired:
		s.env.metrics.RecordDisconnect(kind.String(), "restart")
		s.resetRetry()
		next, err := s.begin(false)
		if err != nil {
			log.Error().Err(err).Msg("Restart failed")
			return nil
		}
		return next

	default:
		delay := s.retry.NextBackOff()
		if delay == backoff.Stop {
			s.env.metrics.RecordDisconnect(kind.String(), "give_up")
			log.Warn().Msg("Max retries reached")
			s.lastError = fmt.Sprintf("connection failed: %s", reason)
			s.giveUp()
			return nil
		}
		s.env.metrics.RecordDisconnect(kind.String(), "retry")
		s.retryCount++
		s.clearPairing()
		s.setStatus(types.StatusConnecting)
		log.Info().Dur("delay", delay).Int("attempt", s.retryCount).Msg("Scheduling reconnect")
		s.retryTimer = s.env.schedule(delay, func() { s.reconnect(gen) })
		return nil
	}
}

// giveUp moves to disconnected and releases the transport in the background.
func (s *Session) giveUp() {
	s.clearPairing()
	s.setStatus(types.StatusDisconnected)
	s.resetRetry()
	s.release("Error releasing transport")
}

// release detaches the current transport and closes it on the worker pool.
// Its events are already fenced off by generation.
func (s *Session) release(msg string) {
	if t := s.transport; t != nil {
		s.transport = nil
		s.closeDetached(t, msg)
	}
}

func (s *Session) closeDetached(t Transport, msg string) {
	s.env.pool.Submit(func() {
		if err := closeWithin(t, s.env.cfg.TeardownTimeout); err != nil {
			s.log.Warn().Err(err).Msg(msg)
			s.env.metrics.RecordTeardownError()
		}
	})
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.status != types.StatusConnecting {
		s.mu.Unlock()
		return
	}
	s.retryTimer = nil
	next, err := s.begin(false)
	s.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Msg("Reconnect failed")
		return
	}
	s.relaunch(next)
}

func (s *Session) onCredentials(e CredentialsUpdated) {
	var err error
	if s.transport == nil {
		err = ErrClosed
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), s.env.cfg.PersistTimeout)
		err = s.env.store.Persist(ctx, s.creds, s.transport)
		cancel()
	}
	s.env.metrics.RecordCredentialWrite(err)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to persist credentials")
	}
	if e.Done != nil {
		e.Done <- err
	}
}

// shutdown resets the session to disconnected and hands back the transport
// for the caller to tear down. With purge set, stored credentials are
// deleted before the lock is released. An evicted session refuses every
// later start.
func (s *Session) shutdown(purge, evict bool) (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evict {
		s.evicted = true
	}
	s.cancelRetry()
	s.retire()
	t := s.transport
	s.transport = nil
	s.creds = nil
	s.clearPairing()
	s.lastError = ""
	s.resetRetry()
	s.setStatus(types.StatusDisconnected)

	if !purge {
		return t, nil
	}
	return t, s.env.store.Purge(s.tenantID)
}

func (s *Session) setStatus(to types.Status) bool {
	from := s.status
	if !canTransition(from, to) {
		s.log.Warn().Str("from", string(from)).Str("to", string(to)).Msg("Rejected status transition")
		return false
	}
	if from == to {
		return true
	}
	s.status = to
	s.env.metrics.RecordTransition(string(to))
	s.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Status changed")
	return true
}

func (s *Session) clearPairing() {
	s.pairingPayload = ""
	s.pairingImage = ""
}

func (s *Session) resetRetry() {
	s.retryCount = 0
	s.retry.Reset()
}

func (s *Session) cancelRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// closeWithin closes t, giving up after d.
func closeWithin(t Transport, d time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- t.Close() }()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrTeardownTimeout
	}
}
