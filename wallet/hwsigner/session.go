// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hwsigner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// DefaultBackoff lists the waits before the second, third and fourth
// attempt of a failing device operation.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
}

// DeviceSession is an open link to the device.
type DeviceSession struct {
	// Mode is the link the session was opened over.
	Mode ConnectMode

	// OpenedAt is the time the session was opened.
	OpenedAt time.Time

	transport Transport

	// exchanges counts device calls of the session still running,
	// including those abandoned by WithTimeout.
	exchanges *sync.WaitGroup
}

// SessionManager owns the single session to a device. It serializes every
// operation, retries transport and readiness failures with a fixed backoff
// and reopens the link after each failure. It is safe for concurrent use.
type SessionManager struct {
	transport Transport
	clock     clock.Clock
	backoff   []time.Duration
	appName   string

	// mu is held for the whole duration of an operation including its
	// retries since the device handles one request at a time.
	mu      sync.Mutex
	session *DeviceSession
	mode    ConnectMode
	state   sessionState
}

// NewSessionManager creates a manager for the device behind transport.
// appName is the application the device is expected to run.
func NewSessionManager(transport Transport, clk clock.Clock,
	backoff []time.Duration, appName string) *SessionManager {

	return &SessionManager{
		transport: transport,
		clock:     clk,
		backoff:   backoff,
		appName:   appName,
	}
}

// State returns the lifecycle state of the session.
func (m *SessionManager) State() ConnState {
	return m.state.load()
}

// Requested returns whether the caller asked for a connection with Connect
// and has not disconnected since.
func (m *SessionManager) Requested() bool {
	return m.state.wanted.Load()
}

// Session returns the open session, if any.
func (m *SessionManager) Session() (DeviceSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return DeviceSession{}, false
	}

	return *m.session, true
}

// Connect opens a session over mode, replacing any existing one. Later
// operations reconnect on their own until Disconnect is called.
func (m *SessionManager) Connect(ctx context.Context, mode ConnectMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeSession()
	m.mode = mode

	if err := m.openSession(ctx); err != nil {
		return m.wrap("connect", err)
	}

	m.state.wanted.Store(true)

	log.Infof("Connected to hardware device over %v", mode)

	return nil
}

// Disconnect closes the session. It is safe to call at any time.
func (m *SessionManager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.wanted.Store(false)
	m.closeSession()

	return nil
}

// Do runs op against the device. Transport and readiness failures are
// retried after closing the stale session, waiting the configured backoff
// and opening a new one. Application failures are returned at once.
func (m *SessionManager) Do(ctx context.Context, name string,
	op func(context.Context, Transport) error) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.wanted.Load() {
		return fmt.Errorf("%s: %w", name, ErrNotConnected)
	}

	var err error
	for attempt := 0; attempt <= len(m.backoff); attempt++ {
		if attempt > 0 {
			wait := m.backoff[attempt-1]
			log.Debugf("Retrying %s in %v (attempt %d of %d): %v",
				name, wait, attempt+1, len(m.backoff)+1, err)

			select {
			case <-m.clock.TickAfter(wait):
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", name, ctx.Err())
			}
		}

		err = m.attempt(ctx, op)
		if err == nil {
			m.state.toConnected()
			return nil
		}

		kind := classify(err)
		if !kind.retryable() {
			return m.wrap(name, err)
		}

		log.Warnf("Hardware device %s failed (%v): %v", name, kind,
			err)

		// The link may be half open, drop it before trying again.
		m.closeSession()
	}

	return m.wrap(name, err)
}

// attempt runs op once, opening a session first if none is open.
func (m *SessionManager) attempt(ctx context.Context,
	op func(context.Context, Transport) error) error {

	if m.session == nil {
		if err := m.openSession(ctx); err != nil {
			return err
		}
	}

	ctx = withExchanges(ctx, m.session.exchanges)

	return op(ctx, m.session.transport)
}

// openSession opens a new session over the current mode.
func (m *SessionManager) openSession(ctx context.Context) error {
	if err := m.state.toConnecting(); err != nil {
		return err
	}

	if err := m.transport.Connect(ctx, m.mode); err != nil {
		m.state.toDisconnected()
		return err
	}

	m.session = &DeviceSession{
		Mode:      m.mode,
		OpenedAt:  m.clock.Now(),
		transport: m.transport,
		exchanges: &sync.WaitGroup{},
	}
	m.state.toConnected()

	return nil
}

// closeSession fully closes and forgets the current session. It returns
// once every device call of the session has returned, so no exchange of a
// stale session overlaps the next one.
func (m *SessionManager) closeSession() {
	if m.session == nil {
		return
	}

	if err := m.session.transport.Disconnect(); err != nil {
		log.Debugf("Closing stale device session: %v", err)
	}
	m.session.exchanges.Wait()

	m.session = nil
	m.state.toDisconnected()
}

// wrap classifies err into the error returned to callers.
func (m *SessionManager) wrap(name string, err error) error {
	kind := classify(err)
	switch kind {
	case KindApplication:
		m.state.toWrongApp()

		return &DeviceError{
			Kind:     kind,
			Op:       name,
			Expected: m.appName,
			Err:      err,
		}

	case KindTransport, KindNotReady:
		return &DeviceError{Kind: kind, Op: name, Err: err}

	default:
		return fmt.Errorf("%s: %w", name, err)
	}
}
