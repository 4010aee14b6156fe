// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hwsigner

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a device operation is attempted
	// before Connect was called.
	ErrNotConnected = errors.New("hardware device not connected")

	// ErrConnectionLost is returned when the transport to the device
	// keeps failing after every retry.
	ErrConnectionLost = errors.New("connection to hardware device lost")

	// ErrDeviceNotReady is returned when the device stays locked or busy
	// after every retry.
	ErrDeviceNotReady = errors.New("hardware device not ready")

	// ErrWrongApplication is returned when the device runs another
	// application than the one required for the network. It is never
	// retried.
	ErrWrongApplication = errors.New("wrong application open on device")

	// ErrInvalidDeviceResponse is returned when the device answers with
	// data that cannot be used.
	ErrInvalidDeviceResponse = errors.New("invalid hardware device response")

	// ErrPathNotFound is returned when no derivation path within the scan
	// limit yields the requested public key.
	ErrPathNotFound = errors.New("derivation path not found for key")

	// ErrTaprootUnsupported is returned when a taproot input is signed
	// with a device application that predates taproot support.
	ErrTaprootUnsupported = errors.New("device app does not support " +
		"taproot")

	// ErrNoAccount is returned when the backend has no account key
	// loaded.
	ErrNoAccount = errors.New("no hardware account loaded")

	// ErrTimeout is returned by WithTimeout when the operation does not
	// finish in time.
	ErrTimeout = errors.New("hardware device operation timed out")

	// ErrTransportClosed is returned by transports when the underlying
	// handle was closed, for example because the device was unplugged.
	ErrTransportClosed = errors.New("device transport closed")

	// ErrTransportIO is returned by transports on read or write failures.
	ErrTransportIO = errors.New("device transport io failure")
)

// Status words answered by the device application.
const (
	// SWOk signals success.
	SWOk uint16 = 0x9000

	// SWInsNotSupported is answered by an application that does not know
	// the instruction, which means another application is open.
	SWInsNotSupported uint16 = 0x6D00

	// SWClaNotSupported is answered for an unknown instruction class.
	SWClaNotSupported uint16 = 0x6E00

	// SWAppNotOpen is answered by the dashboard when no app is open.
	SWAppNotOpen uint16 = 0x6511

	// SWFileNotFound is answered by an app that lacks the requested file.
	SWFileNotFound uint16 = 0x6A82

	// SWSecurityStatus is answered while the device is locked.
	SWSecurityStatus uint16 = 0x6982

	// SWLocked is answered by newer firmware while the device is locked.
	SWLocked uint16 = 0x5515

	// SWBusy is answered while the device processes another request.
	SWBusy uint16 = 0x6FAA

	// SWDenied is answered when the user rejects the request on screen.
	SWDenied uint16 = 0x6985
)

// StatusError is returned by transports when the device answers a request
// with a status word other than SWOk.
type StatusError struct {
	// Code is the status word.
	Code uint16
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("device status 0x%04X", e.Code)
}

// AppMismatchError is returned when the device answers with the name of an
// application other than the expected one.
type AppMismatchError struct {
	// Running is the application name reported by the device.
	Running string
}

// Error implements the error interface.
func (e *AppMismatchError) Error() string {
	return fmt.Sprintf("device runs %q", e.Running)
}

// ErrorKind groups device errors by how they are handled.
type ErrorKind uint8

const (
	// KindOther is an error that is neither retried nor classified.
	KindOther ErrorKind = iota

	// KindTransport is a broken or timed out connection. It is retried
	// after reconnecting.
	KindTransport

	// KindNotReady is a locked or busy device. It is retried like a
	// transport error.
	KindNotReady

	// KindApplication is a wrong or missing device application. It is
	// returned to the caller at once.
	KindApplication
)

// String returns the name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"

	case KindNotReady:
		return "not ready"

	case KindApplication:
		return "application"

	default:
		return "other"
	}
}

// retryable returns whether errors of the kind are retried.
func (k ErrorKind) retryable() bool {
	return k == KindTransport || k == KindNotReady
}

// sentinel returns the package error matching the kind.
func (k ErrorKind) sentinel() error {
	switch k {
	case KindTransport:
		return ErrConnectionLost

	case KindNotReady:
		return ErrDeviceNotReady

	case KindApplication:
		return ErrWrongApplication

	default:
		return nil
	}
}

// DeviceError is the classified error of a device operation. It matches
// both the sentinel of its kind and the underlying error with errors.Is.
type DeviceError struct {
	// Kind is the classification of the error.
	Kind ErrorKind

	// Op names the failed operation.
	Op string

	// Expected is the application name the device should run. It is only
	// set for application errors.
	Expected string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind.sentinel())
	if e.Expected != "" {
		msg += fmt.Sprintf(", open the %q app on the device", e.Expected)
	}

	return fmt.Sprintf("%s: %v", msg, e.Err)
}

// Unwrap returns the kind sentinel and the underlying error.
func (e *DeviceError) Unwrap() []error {
	if sentinel := e.Kind.sentinel(); sentinel != nil {
		return []error{sentinel, e.Err}
	}

	return []error{e.Err}
}

// classify maps an error returned by a transport to its kind.
func classify(err error) ErrorKind {
	// Cancellation by the caller is final.
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {

		return KindOther
	}

	var mismatchErr *AppMismatchError
	if errors.As(err, &mismatchErr) {
		return KindApplication
	}

	if errors.Is(err, ErrTransportClosed) ||
		errors.Is(err, ErrTransportIO) || errors.Is(err, ErrTimeout) {

		return KindTransport
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return KindOther
	}

	switch statusErr.Code {
	case SWInsNotSupported, SWClaNotSupported, SWAppNotOpen,
		SWFileNotFound:

		return KindApplication

	case SWSecurityStatus, SWLocked, SWBusy:
		return KindNotReady

	default:
		return KindOther
	}
}
