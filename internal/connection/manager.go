// Package connection supervises the single streaming connection to the
// telemetry source: it retries a bounded number of times after the link drops
// and then falls back, permanently, to synthetic data.
package connection

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"codeberg.org/mutker/forestwatch/internal/clock"
	"codeberg.org/mutker/forestwatch/internal/errors"
	"codeberg.org/mutker/forestwatch/internal/logger"
	"codeberg.org/mutker/forestwatch/internal/protocol"
	"codeberg.org/mutker/forestwatch/internal/simulator"
	"codeberg.org/mutker/forestwatch/internal/store"
	"codeberg.org/mutker/forestwatch/internal/telemetry"
	"codeberg.org/mutker/forestwatch/internal/transport"
)

// Manager is safe for concurrent use. Transitions are serialized by one
// mutex, which makes transport callbacks, timer callbacks and public calls
// observe each other in a single order.
type Manager struct {
	cfg        Config
	transport  transport.Transport
	store      *store.Store
	sched      clock.Scheduler
	normalizer *protocol.Normalizer
	generator  *simulator.Generator
	log        logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	attempts int
	conn     transport.Conn
	closed   bool

	// earlyClose records an OnClose that arrived while Open was in flight.
	earlyClose bool

	// gen identifies the current connection; events from older ones are dropped.
	gen uint64

	reconnect    clock.Timer
	reconnectSeq uint64
	ticker       clock.Timer
	tickSeq      uint64
}

type Option func(*Manager)

// WithScheduler replaces the runtime clock.
func WithScheduler(s clock.Scheduler) Option {
	return func(m *Manager) {
		m.sched = s
	}
}

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *protocol.Normalizer) Option {
	return func(m *Manager) {
		m.normalizer = n
	}
}

// WithGenerator replaces the default, time-seeded simulator.
func WithGenerator(g *simulator.Generator) Option {
	return func(m *Manager) {
		m.generator = g
	}
}

func New(cfg Config, t transport.Transport, st *store.Store, opts ...Option) (*Manager, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errFactory.New(ErrMissingTransport)
	}
	if st == nil {
		return nil, errFactory.New(ErrMissingStore)
	}

	m := &Manager{
		cfg:       cfg,
		transport: t,
		store:     st,
		sched:     clock.Real(),
		log:       logger.Component("connection"),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.normalizer == nil {
		m.normalizer = protocol.NewNormalizer(protocol.DefaultFallbackDeviceID, m.sched.Now)
	}
	if m.generator == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		m.generator = simulator.New(rng, m.sched.Now, protocol.NewID)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnects scheduled since the last
// successful connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens the streaming connection and returns once the dial finishes.
// The manager lock is not held during the dial, so State and Attempts stay
// responsive. It does nothing while a connection is open or being opened,
// while simulating, or after Teardown.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connectLocked()
}

func (m *Manager) connectLocked() {
	if m.closed {
		return
	}
	switch m.state {
	case StateConnecting, StateConnected, StateSimulating:
		return
	}

	m.state = StateConnecting
	m.gen++
	m.earlyClose = false
	gen := m.gen
	sess := &session{m: m, gen: gen}

	m.log.Debug().
		Str("endpoint", m.cfg.Endpoint).
		Int("attempt", m.attempts).
		Msg("Connecting to telemetry source")

	// The dial runs unlocked. StateConnecting keeps Connect and reconnect
	// timers out, and Teardown cancels ctx and bumps gen.
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	conn, err := m.transport.Open(ctx, m.cfg.Endpoint, sess)
	cancel()
	m.mu.Lock()

	if m.closed || gen != m.gen {
		if conn != nil {
			if cerr := conn.Close(); cerr != nil {
				m.log.Debug().Err(cerr).Msg("Failed to close abandoned telemetry connection")
			}
		}
		m.log.Debug().Err(err).Msg("Dial finished after teardown, discarding")
		return
	}

	if err == nil && m.earlyClose {
		if cerr := conn.Close(); cerr != nil {
			m.log.Debug().Err(cerr).Msg("Failed to close telemetry connection")
		}
		err = errors.New().WithMessage(transport.ErrConnectionLost, "connection closed before it was recorded")
	}
	m.earlyClose = false

	if err != nil {
		m.log.Warn().
			Err(err).
			Str("endpoint", m.cfg.Endpoint).
			Msg("Failed to open telemetry connection")
		m.handleCloseLocked()
		return
	}

	m.conn = conn
	m.state = StateConnected
	m.attempts = 0

	now := m.sched.Now()
	m.store.UpdateStatus(func(s *telemetry.ConnectionStatus) {
		s.Connected = true
		s.ReconnectAttempts = 0
		s.LastContact = &now
	})

	m.log.Info().Str("endpoint", m.cfg.Endpoint).Msg("Connected to telemetry source")
}

func (m *Manager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.gen {
		return
	}
	if m.state == StateConnecting {
		// Open has not returned yet; connectLocked treats it as a failed dial.
		m.earlyClose = true
		return
	}
	if m.state != StateConnected {
		return
	}

	m.log.Warn().Err(err).Msg("Telemetry connection closed")
	m.conn = nil
	m.handleCloseLocked()
}

// handleCloseLocked schedules a reconnect while attempts remain and otherwise
// switches to simulation.
func (m *Manager) handleCloseLocked() {
	m.state = StateDisconnected

	if m.attempts < m.cfg.MaxReconnectAttempts {
		m.attempts++
		attempts := m.attempts
		m.store.UpdateStatus(func(s *telemetry.ConnectionStatus) {
			s.Connected = false
			s.ReconnectAttempts = attempts
		})

		m.reconnectSeq++
		seq := m.reconnectSeq
		m.reconnect = m.sched.AfterFunc(m.cfg.ReconnectDelay, func() {
			m.fireReconnect(seq)
		})

		m.log.Info().
			Int("attempt", attempts).
			Int("max_attempts", m.cfg.MaxReconnectAttempts).
			Dur("delay", m.cfg.ReconnectDelay).
			Msg("Reconnect scheduled")
		return
	}

	m.store.UpdateStatus(func(s *telemetry.ConnectionStatus) {
		s.Connected = false
	})
	m.startSimulationLocked()
}

func (m *Manager) fireReconnect(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || seq != m.reconnectSeq || m.state != StateDisconnected {
		return
	}
	m.reconnect = nil
	m.connectLocked()
}

func (m *Manager) startSimulationLocked() {
	m.state = StateSimulating
	if m.conn != nil {
		m.closeConnLocked()
	}

	m.store.SetAlertLimit(m.cfg.SimulationAlertLimit)

	now := m.sched.Now()
	m.store.UpdateStatus(func(s *telemetry.ConnectionStatus) {
		clientID := SimulationClientID
		s.Connected = true
		s.ClientID = &clientID
		s.LastContact = &now
		s.Simulated = true
	})

	m.tickSeq++
	seq := m.tickSeq
	m.ticker = m.sched.Every(m.cfg.SimulationInterval, func() {
		m.simulationTick(seq)
	})

	m.log.Warn().
		Int("attempts", m.attempts).
		Dur("interval", m.cfg.SimulationInterval).
		Msg("Reconnect attempts exhausted, switching to simulated data")
}

func (m *Manager) simulationTick(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || seq != m.tickSeq || m.state != StateSimulating {
		return
	}

	snapshot, alert := m.generator.Next()
	m.store.SetSnapshot(snapshot)

	now := m.sched.Now()
	m.store.UpdateStatus(func(s *telemetry.ConnectionStatus) {
		s.LastContact = &now
	})

	if alert != nil {
		m.store.PushAlert(*alert)
	}
}

// Teardown cancels any pending reconnect or in-flight dial, stops the
// simulation ticker and closes the open connection. It is idempotent and
// leaves the manager permanently stopped.
func (m *Manager) Teardown() {
	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.gen++

	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	if m.conn != nil {
		m.closeConnLocked()
	}

	m.log.Info().Str("state", m.state.String()).Msg("Connection manager stopped")
	m.state = StateIdle
}

func (m *Manager) closeConnLocked() {
	if err := m.conn.Close(); err != nil {
		m.log.Debug().Err(err).Msg("Failed to close telemetry connection")
	}
	m.conn = nil
}

// session binds transport callbacks to the connection generation they belong to.
type session struct {
	m   *Manager
	gen uint64
}

func (s *session) OnMessage(data []byte) {
	s.m.handleMessage(s.gen, data)
}

func (s *session) OnClose(err error) {
	s.m.handleClose(s.gen, err)
}
