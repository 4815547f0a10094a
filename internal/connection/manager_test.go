package connection_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/forestwatch/internal/clock/clocktest"
	"codeberg.org/mutker/forestwatch/internal/connection"
	"codeberg.org/mutker/forestwatch/internal/errors"
	"codeberg.org/mutker/forestwatch/internal/logger"
	"codeberg.org/mutker/forestwatch/internal/protocol"
	"codeberg.org/mutker/forestwatch/internal/simulator"
	"codeberg.org/mutker/forestwatch/internal/store"
	"codeberg.org/mutker/forestwatch/internal/telemetry"
	"codeberg.org/mutker/forestwatch/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New().WithMessage(transport.ErrDial, "connection refused")

type fakeConn struct {
	h      transport.Handler
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) send(raw string) { c.h.OnMessage([]byte(raw)) }

func (c *fakeConn) drop() { c.h.OnClose(errRefused) }

// fakeTransport fails the first failFirst opens, or every open when failAll is set.
type fakeTransport struct {
	mu        sync.Mutex
	opens     int
	failFirst int
	failAll   bool
	conns     []*fakeConn
	endpoints []string

	// greet runs before Open returns, like a server that speaks first.
	greet func(transport.Handler)
}

func (t *fakeTransport) Open(_ context.Context, endpoint string, h transport.Handler) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.opens++
	t.endpoints = append(t.endpoints, endpoint)
	if t.failAll || t.opens <= t.failFirst {
		return nil, errRefused
	}
	if t.greet != nil {
		t.greet(h)
	}
	c := &fakeConn{h: h}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[len(t.conns)-1]
}

// blockingTransport parks Open until release is closed or ctx is done.
type blockingTransport struct {
	started   chan struct{}
	release   chan struct{}
	ignoreCtx bool

	mu    sync.Mutex
	err   error
	conns []*fakeConn
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{started: make(chan struct{}), release: make(chan struct{})}
}

func (t *blockingTransport) Open(ctx context.Context, _ string, h transport.Handler) (transport.Conn, error) {
	close(t.started)

	done := ctx.Done()
	if t.ignoreCtx {
		done = nil
	}
	select {
	case <-done:
		t.mu.Lock()
		t.err = ctx.Err()
		t.mu.Unlock()
		return nil, ctx.Err()
	case <-t.release:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c := &fakeConn{h: h}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *blockingTransport) dialErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *blockingTransport) opened() []*fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeConn(nil), t.conns...)
}

func newBlockingManager(t *testing.T, tr *blockingTransport) (*connection.Manager, *store.Store, *clocktest.Scheduler) {
	t.Helper()

	sched := clocktest.New(start)
	st := store.New(store.DefaultConfig())
	cfg := connection.DefaultConfig()
	cfg.Endpoint = "ws://sensor.local:8000/ws"

	m, err := connection.New(cfg, tr, st, connection.WithScheduler(sched))
	require.NoError(t, err)
	t.Cleanup(m.Teardown)
	return m, st, sched
}

// connectAsync runs Connect in the background and waits until Open is entered.
func connectAsync(t *testing.T, m *connection.Manager, tr *blockingTransport) <-chan struct{} {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Connect()
	}()

	select {
	case <-tr.started:
	case <-time.After(2 * time.Second):
		t.Fatal("Open was never called")
	}
	return done
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

var start = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	sched     *clocktest.Scheduler
	transport *fakeTransport
	store     *store.Store
	manager   *connection.Manager
}

func newFixture(t *testing.T, tr *fakeTransport) *fixture {
	t.Helper()

	sched := clocktest.New(start)
	st := store.New(store.DefaultConfig())
	normalizer := protocol.NewNormalizer("ESP_klab", sched.Now)
	generator := simulator.New(rand.New(rand.NewSource(1)), sched.Now, func() string { return "sim" })

	cfg := connection.DefaultConfig()
	cfg.Endpoint = "ws://sensor.local:8000/ws"

	m, err := connection.New(cfg, tr, st,
		connection.WithScheduler(sched),
		connection.WithNormalizer(normalizer),
		connection.WithGenerator(generator),
	)
	require.NoError(t, err)
	t.Cleanup(m.Teardown)

	return &fixture{sched: sched, transport: tr, store: st, manager: m}
}

func TestConnectSuccess(t *testing.T) {
	f := newFixture(t, &fakeTransport{})

	f.manager.Connect()

	assert.Equal(t, connection.StateConnected, f.manager.State())
	assert.Equal(t, []string{"ws://sensor.local:8000/ws"}, f.transport.endpoints)

	status := f.store.Status()
	assert.True(t, status.Connected)
	assert.Zero(t, status.ReconnectAttempts)
	require.NotNil(t, status.LastContact)
	assert.Equal(t, start, *status.LastContact)
	assert.False(t, status.Simulated)
}

func TestConnectIsNoOpWhileOpen(t *testing.T) {
	f := newFixture(t, &fakeTransport{})

	f.manager.Connect()
	f.manager.Connect()

	assert.Equal(t, 1, f.transport.Opens())
}

func TestStateReadableWhileDialing(t *testing.T) {
	tr := newBlockingTransport()
	m, st, _ := newBlockingManager(t, tr)
	done := connectAsync(t, m, tr)

	states := make(chan connection.State, 1)
	go func() {
		_ = m.Attempts()
		states <- m.State()
	}()
	select {
	case state := <-states:
		assert.Equal(t, connection.StateConnecting, state)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("State blocked while a dial was in flight")
	}

	// A second Connect during the dial returns without opening again.
	m.Connect()

	close(tr.release)
	waitClosed(t, done)
	assert.Equal(t, connection.StateConnected, m.State())
	assert.Len(t, tr.opened(), 1)
	assert.True(t, st.Status().Connected)
}

func TestTeardownCancelsInFlightDial(t *testing.T) {
	tr := newBlockingTransport()
	m, st, sched := newBlockingManager(t, tr)
	done := connectAsync(t, m, tr)

	m.Teardown()
	waitClosed(t, done)

	assert.ErrorIs(t, tr.dialErr(), context.Canceled)
	assert.Equal(t, connection.StateIdle, m.State())
	assert.Zero(t, m.Attempts())
	assert.Zero(t, sched.Pending(), "a cancelled dial schedules no reconnect")
	assert.False(t, st.Status().Connected)
	assert.Zero(t, st.Status().ReconnectAttempts)
}

func TestDialCompletingAfterTeardownIsDiscarded(t *testing.T) {
	tr := newBlockingTransport()
	tr.ignoreCtx = true
	m, st, sched := newBlockingManager(t, tr)
	done := connectAsync(t, m, tr)

	m.Teardown()
	close(tr.release)
	waitClosed(t, done)

	conns := tr.opened()
	require.Len(t, conns, 1)
	assert.True(t, conns[0].isClosed())
	assert.Equal(t, connection.StateIdle, m.State())
	assert.False(t, st.Status().Connected)
	assert.Zero(t, sched.Pending())

	conns[0].send(`{"type":"fire_update","temperature":50}`)
	_, ok := st.Latest()
	assert.False(t, ok)
}

func TestCallbacksBeforeOpenReturns(t *testing.T) {
	tr := &fakeTransport{greet: func(h transport.Handler) {
		h.OnMessage([]byte(`{"type":"fire_update","temperature":24}`))
	}}
	f := newFixture(t, tr)

	f.manager.Connect()
	require.Equal(t, connection.StateConnected, f.manager.State())
	latest, ok := f.store.Latest()
	require.True(t, ok, "a reading sent during the handshake is kept")
	assert.Equal(t, 24.0, latest.Temperature)
}

func TestCloseBeforeOpenReturnsSchedulesReconnect(t *testing.T) {
	tr := &fakeTransport{greet: func(h transport.Handler) {
		h.OnClose(errRefused)
	}}
	f := newFixture(t, tr)

	f.manager.Connect()

	assert.Equal(t, connection.StateDisconnected, f.manager.State())
	assert.True(t, f.transport.last().isClosed())
	assert.Equal(t, 1, f.manager.Attempts())
	assert.False(t, f.store.Status().Connected)
	assert.Equal(t, 1, f.sched.Pending())
}

func TestUnexpectedCloseSchedulesFixedDelayReconnect(t *testing.T) {
	f := newFixture(t, &fakeTransport{})
	f.manager.Connect()

	f.transport.last().drop()

	assert.Equal(t, connection.StateDisconnected, f.manager.State())
	assert.False(t, f.store.Status().Connected)
	assert.Equal(t, 1, f.store.Status().ReconnectAttempts)
	assert.Equal(t, 1, f.sched.Pending())

	f.sched.Advance(2999 * time.Millisecond)
	assert.Equal(t, 1, f.transport.Opens(), "no attempt before the delay elapses")

	f.sched.Advance(time.Millisecond)
	assert.Equal(t, 2, f.transport.Opens())
	assert.Equal(t, connection.StateConnected, f.manager.State())
	assert.Zero(t, f.store.Status().ReconnectAttempts, "successful connect resets the counter")
}

func TestRetriesThenSimulatesOnce(t *testing.T) {
	f := newFixture(t, &fakeTransport{failAll: true})

	// The initial open fails and schedules reconnect 1.
	f.manager.Connect()
	assert.Equal(t, connection.StateDisconnected, f.manager.State())
	assert.Equal(t, 1, f.manager.Attempts())

	// Five scheduled reconnects, each failing.
	for i := 1; i <= 5; i++ {
		f.sched.Advance(3 * time.Second)
		assert.Equal(t, 1+i, f.transport.Opens())
	}

	assert.Equal(t, connection.StateSimulating, f.manager.State())
	status := f.store.Status()
	assert.True(t, status.Connected)
	assert.True(t, status.Simulated)
	require.NotNil(t, status.ClientID)
	assert.Equal(t, connection.SimulationClientID, *status.ClientID)
	assert.Equal(t, 5, status.ReconnectAttempts)

	// No further real attempts, and Connect is ignored while simulating.
	f.sched.Advance(time.Minute)
	f.manager.Connect()
	assert.Equal(t, 6, f.transport.Opens())
	assert.Equal(t, connection.StateSimulating, f.manager.State())
}

func TestZeroRetriesFallsBackImmediately(t *testing.T) {
	tr := &fakeTransport{failAll: true}
	sched := clocktest.New(start)
	st := store.New(store.DefaultConfig())

	cfg := connection.DefaultConfig()
	cfg.Endpoint = "ws://sensor.local:8000/ws"
	cfg.MaxReconnectAttempts = 0

	m, err := connection.New(cfg, tr, st, connection.WithScheduler(sched))
	require.NoError(t, err)
	defer m.Teardown()

	m.Connect()
	assert.Equal(t, connection.StateSimulating, m.State(), "with no retries the first failure falls back")
	assert.Equal(t, 1, tr.Opens())
}

func TestConsecutiveClosesEnterSimulationExactlyOnce(t *testing.T) {
	f := newFixture(t, &fakeTransport{})
	f.manager.Connect()

	// The live link drops, then every reconnect attempt closes without
	// ever connecting.
	f.transport.mu.Lock()
	f.transport.failAll = true
	f.transport.mu.Unlock()
	f.transport.last().drop()

	for i := 0; i < 5; i++ {
		f.sched.Advance(3 * time.Second)
	}
	require.Equal(t, connection.StateSimulating, f.manager.State())
	assert.Equal(t, 6, f.transport.Opens())

	// One ticker, so one reading per interval.
	f.sched.Advance(3 * time.Second)
	assert.Len(t, f.store.History(), 1)
	assert.Equal(t, 1, f.sched.Pending())

	f.sched.Advance(10 * time.Minute)
	assert.Equal(t, 6, f.transport.Opens(), "no real attempts after fallback")
}

func TestCounterResetsOnSuccessfulConnect(t *testing.T) {
	f := newFixture(t, &fakeTransport{failFirst: 3})

	f.manager.Connect()
	f.sched.Advance(3 * time.Second)
	f.sched.Advance(3 * time.Second)
	assert.Equal(t, 3, f.manager.Attempts())

	f.sched.Advance(3 * time.Second)
	assert.Equal(t, connection.StateConnected, f.manager.State())
	assert.Zero(t, f.manager.Attempts())

	// A fresh budget of five reconnects is available again.
	f.transport.mu.Lock()
	f.transport.failAll = true
	f.transport.mu.Unlock()
	f.transport.last().drop()
	for i := 0; i < 4; i++ {
		f.sched.Advance(3 * time.Second)
	}
	assert.Equal(t, connection.StateDisconnected, f.manager.State())
	f.sched.Advance(3 * time.Second)
	assert.Equal(t, connection.StateSimulating, f.manager.State())
}

func TestSimulationProducesData(t *testing.T) {
	f := newFixture(t, &fakeTransport{failAll: true})
	f.manager.Connect()
	for i := 0; i < 5; i++ {
		f.sched.Advance(3 * time.Second)
	}
	require.Equal(t, connection.StateSimulating, f.manager.State())
	entered := f.sched.Now()

	_, ok := f.store.Latest()
	assert.False(t, ok, "first reading arrives on the first tick")

	f.sched.Advance(3 * time.Second)
	latest, ok := f.store.Latest()
	require.True(t, ok)
	assert.Equal(t, simulator.DeviceID, latest.DeviceID)
	assert.Equal(t, entered.Add(3*time.Second), latest.Timestamp)
	assert.Equal(t, entered.Add(3*time.Second), *f.store.Status().LastContact)

	f.sched.Advance(3 * 70 * time.Second)
	assert.Len(t, f.store.History(), 60)

	for i := 0; i < 15; i++ {
		f.store.PushAlert(telemetry.Alert{ID: fmt.Sprintf("extra-%d", i)})
	}
	assert.Len(t, f.store.Alerts(false), 10, "simulation alert cap applies")
}

func TestTeardownAfterCloseCancelsReconnect(t *testing.T) {
	f := newFixture(t, &fakeTransport{})
	f.manager.Connect()
	f.transport.last().drop()
	require.Equal(t, 1, f.sched.Pending())

	f.manager.Teardown()

	assert.Zero(t, f.sched.Pending())
	f.sched.Advance(time.Hour)
	assert.Equal(t, 1, f.transport.Opens())
	_, ok := f.store.Latest()
	assert.False(t, ok)
}

func TestTeardownStopsSimulationAndIsIdempotent(t *testing.T) {
	f := newFixture(t, &fakeTransport{failAll: true})
	f.manager.Connect()
	for i := 0; i < 5; i++ {
		f.sched.Advance(3 * time.Second)
	}
	require.Equal(t, connection.StateSimulating, f.manager.State())
	f.sched.Advance(3 * time.Second)
	before := len(f.store.History())

	f.manager.Teardown()
	f.manager.Teardown()

	assert.Zero(t, f.sched.Pending())
	f.sched.Advance(time.Hour)
	assert.Len(t, f.store.History(), before)
	assert.Equal(t, connection.StateIdle, f.manager.State())
}

func TestTeardownClosesConnectionAndBlocksReconnect(t *testing.T) {
	f := newFixture(t, &fakeTransport{})
	f.manager.Connect()
	conn := f.transport.last()

	f.manager.Teardown()
	assert.True(t, conn.isClosed())

	// Late callbacks from the closed connection change nothing.
	conn.send(`{"type":"fire_update","temperature":50}`)
	conn.drop()
	_, ok := f.store.Latest()
	assert.False(t, ok)
	assert.Zero(t, f.sched.Pending())

	f.manager.Connect()
	assert.Equal(t, 1, f.transport.Opens())
}

func TestTeardownFromIdle(t *testing.T) {
	f := newFixture(t, &fakeTransport{})
	assert.NotPanics(t, f.manager.Teardown)
	assert.NotPanics(t, f.manager.Teardown)
}

func TestStaleConnectionEventsIgnored(t *testing.T) {
	f := newFixture(t, &fakeTransport{})
	f.manager.Connect()
	old := f.transport.last()
	old.drop()
	f.sched.Advance(3 * time.Second)
	current := f.transport.last()
	require.NotSame(t, old, current)

	old.send(`{"type":"fire_update","temperature":99}`)
	old.drop()

	_, ok := f.store.Latest()
	assert.False(t, ok)
	assert.Equal(t, connection.StateConnected, f.manager.State())

	current.send(`{"type":"fire_update","temperature":21}`)
	latest, ok := f.store.Latest()
	require.True(t, ok)
	assert.Equal(t, 21.0, latest.Temperature)
}

func TestMessageDispatch(t *testing.T) {
	f := newFixture(t, &fakeTransport{})
	f.manager.Connect()
	conn := f.transport.last()

	f.sched.Advance(time.Second)
	conn.send(`{"type":"connected","clientId":"c-7"}`)
	status := f.store.Status()
	require.NotNil(t, status.ClientID)
	assert.Equal(t, "c-7", *status.ClientID)
	assert.Equal(t, start.Add(time.Second), *status.LastContact)

	f.sched.Advance(time.Second)
	conn.send(`{"type":"sensor_data","temperature":42.5,"humidity":20}`)
	latest, ok := f.store.Latest()
	require.True(t, ok)
	assert.Equal(t, 42.5, latest.Temperature)
	assert.Equal(t, 20.0, latest.Humidity)
	assert.Zero(t, latest.Smoke)
	assert.Zero(t, latest.BackgroundRMS)
	assert.False(t, latest.ChainsawDetected)
	assert.Equal(t, telemetry.StageNormal, latest.FireStage)
	assert.Equal(t, "ESP_klab", latest.DeviceID)
	assert.Equal(t, start.Add(2*time.Second), *f.store.Status().LastContact)

	f.sched.Advance(time.Second)
	conn.send(`{"type":"heartbeat"}`)
	assert.Equal(t, start.Add(3*time.Second), *f.store.Status().LastContact)
	f.sched.Advance(time.Second)
	conn.send(`{"type":"pong"}`)
	assert.Equal(t, start.Add(4*time.Second), *f.store.Status().LastContact)

	conn.send(`{"type":"alert","id":"al-1","severity":"high","tempSpike":true,"message":"hot"}`)
	conn.send(`{"type":"alert","id":"al-2","chainsawDetected":true}`)
	alerts := f.store.Alerts(false)
	require.Len(t, alerts, 2)
	assert.Equal(t, "al-2", alerts[0].ID)
	assert.Equal(t, telemetry.CategoryChainsaw, alerts[0].Category)
	assert.Equal(t, telemetry.CategoryTempSpike, alerts[1].Category)

	// Malformed and unknown messages are dropped without side effects.
	before := f.store.View()
	conn.send(`{not json`)
	conn.send(`[1,2]`)
	conn.send(`{"type":"firmware_banner"}`)
	assert.Equal(t, before, f.store.View())
	assert.Equal(t, connection.StateConnected, f.manager.State())
}

func TestConnectedLogOmitsMissingClientID(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetLogLevel(logger.InfoLevel)
	t.Cleanup(func() { logger.SetOutput(io.Discard) })

	f := newFixture(t, &fakeTransport{})
	f.manager.Connect()
	conn := f.transport.last()

	conn.send(`{"type":"connected"}`)
	conn.send(`{"type":"connected","clientId":"c-9"}`)

	var acks []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] == "Session acknowledged" {
			acks = append(acks, entry)
		}
	}
	require.Len(t, acks, 2)
	assert.NotContains(t, acks[0], "client_id")
	assert.Equal(t, "c-9", acks[1]["client_id"])
}

func TestSensorUpdateIsFullReplace(t *testing.T) {
	f := newFixture(t, &fakeTransport{})
	f.manager.Connect()
	conn := f.transport.last()

	conn.send(`{"type":"fire_update","deviceId":"ESP_1","temperature":30,"smoke":12,"chainsaw_detected":true}`)
	conn.send(`{"type":"fire_update","temperature":31}`)

	latest, _ := f.store.Latest()
	assert.Equal(t, 31.0, latest.Temperature)
	assert.Zero(t, latest.Smoke)
	assert.False(t, latest.ChainsawDetected)
	assert.Equal(t, "ESP_klab", latest.DeviceID)
	assert.Len(t, f.store.History(), 2)
}

func TestSoundUpdateMergesIntoLatest(t *testing.T) {
	f := newFixture(t, &fakeTransport{})
	f.manager.Connect()
	conn := f.transport.last()

	conn.send(`{"type":"sound_update","chainsaw_prob":0.5}`)
	_, ok := f.store.Latest()
	assert.False(t, ok, "sound update without a prior snapshot is ignored")

	conn.send(`{"type":"fire_update","background_rms":0.05,"peak_amplitude":0.2,"chainsaw_prob":0.1}`)
	f.sched.Advance(time.Minute)
	contact := *f.store.Status().LastContact

	conn.send(`{"type":"sound_update","chainsaw_prob":0.9,"chainsaw_detected":true}`)

	latest, _ := f.store.Latest()
	assert.Equal(t, 0.05, latest.BackgroundRMS)
	assert.Equal(t, 0.2, latest.PeakAmplitude)
	assert.Equal(t, 0.9, latest.ChainsawProbability)
	assert.True(t, latest.ChainsawDetected)
	assert.Len(t, f.store.History(), 1, "sound updates do not append history")
	assert.Equal(t, contact, *f.store.Status().LastContact)
}

func TestNewValidatesConfig(t *testing.T) {
	st := store.New(store.DefaultConfig())

	cfg := connection.DefaultConfig()
	cfg.Endpoint = "not a url"
	_, err := connection.New(cfg, &fakeTransport{}, st)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, connection.ErrInvalidEndpoint))

	cfg.Endpoint = "ws://ok:8000/ws"
	cfg.ReconnectDelay = 0
	_, err = connection.New(cfg, &fakeTransport{}, st)
	require.Error(t, err)

	cfg = connection.DefaultConfig()
	cfg.Endpoint = "tcp://broker:1883"
	_, err = connection.New(cfg, nil, st)
	assert.True(t, errors.HasCode(err, connection.ErrMissingTransport))
	_, err = connection.New(cfg, &fakeTransport{}, nil)
	assert.True(t, errors.HasCode(err, connection.ErrMissingStore))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "simulating", connection.StateSimulating.String())
	assert.Equal(t, "disconnected", connection.StateDisconnected.String())
}
