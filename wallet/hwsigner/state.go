// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hwsigner

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrStateForbidden is returned when a session transition is not
	// allowed from the current state.
	ErrStateForbidden = errors.New("operation forbidden in current " +
		"session state")
)

// ConnState is the lifecycle state of the device session.
type ConnState uint32

const (
	// StateDisconnected means no session is open.
	StateDisconnected ConnState = iota

	// StateConnecting means a session is being opened.
	StateConnecting

	// StateConnected means a session is open and the last exchange
	// succeeded.
	StateConnected

	// StateConnectedWrongApp means a session is open but the device runs
	// an application other than the required one.
	StateConnectedWrongApp
)

// String returns the string representation of a ConnState.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"

	case StateConnecting:
		return "connecting"

	case StateConnected:
		return "connected"

	case StateConnectedWrongApp:
		return "connected (wrong app)"

	default:
		return "unknown session state"
	}
}

// sessionState tracks the session lifecycle and whether the caller asked
// for a connection. Both dimensions are independent: a session can be
// dropped by a broken link while the caller still wants to be connected.
type sessionState struct {
	// conn is the ConnState of the session.
	conn atomic.Uint32

	// wanted is true between an explicit Connect and Disconnect.
	wanted atomic.Bool
}

// String returns a summary of the state.
func (s *sessionState) String() string {
	return fmt.Sprintf("session=%v, wanted=%v", s.load(), s.wanted.Load())
}

// load returns the current ConnState.
func (s *sessionState) load() ConnState {
	return ConnState(s.conn.Load())
}

// toConnecting transitions from Disconnected to Connecting.
func (s *sessionState) toConnecting() error {
	if !s.conn.CompareAndSwap(
		uint32(StateDisconnected), uint32(StateConnecting)) {

		return fmt.Errorf("%w: current state is %v",
			ErrStateForbidden, s.load())
	}

	return nil
}

// toConnected marks the session as open and healthy.
func (s *sessionState) toConnected() {
	s.conn.Store(uint32(StateConnected))
}

// toWrongApp marks an open session as talking to the wrong application.
func (s *sessionState) toWrongApp() {
	s.conn.CompareAndSwap(
		uint32(StateConnected), uint32(StateConnectedWrongApp),
	)
}

// toDisconnected marks the session as closed.
func (s *sessionState) toDisconnected() {
	s.conn.Store(uint32(StateDisconnected))
}
