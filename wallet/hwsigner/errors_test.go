package hwsigner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var errOther = errors.New("other failure")

// TestClassify checks the mapping of transport errors to their kinds.
func TestClassify(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{
			name: "closed transport",
			err:  fmt.Errorf("write: %w", ErrTransportClosed),
			kind: KindTransport,
		},
		{
			name: "io failure",
			err:  ErrTransportIO,
			kind: KindTransport,
		},
		{
			name: "timeout",
			err:  fmt.Errorf("%w after 5s", ErrTimeout),
			kind: KindTransport,
		},
		{
			name: "instruction not supported",
			err:  &StatusError{Code: SWInsNotSupported},
			kind: KindApplication,
		},
		{
			name: "class not supported",
			err:  &StatusError{Code: SWClaNotSupported},
			kind: KindApplication,
		},
		{
			name: "app not open",
			err: fmt.Errorf("status: %w",
				&StatusError{Code: SWAppNotOpen}),
			kind: KindApplication,
		},
		{
			name: "file not found",
			err:  &StatusError{Code: SWFileNotFound},
			kind: KindApplication,
		},
		{
			name: "wrong app name",
			err: fmt.Errorf("status: %w",
				&AppMismatchError{Running: "Ethereum"}),
			kind: KindApplication,
		},
		{
			name: "security status",
			err:  &StatusError{Code: SWSecurityStatus},
			kind: KindNotReady,
		},
		{
			name: "locked",
			err:  &StatusError{Code: SWLocked},
			kind: KindNotReady,
		},
		{
			name: "busy",
			err:  &StatusError{Code: SWBusy},
			kind: KindNotReady,
		},
		{
			name: "user denied",
			err:  &StatusError{Code: SWDenied},
			kind: KindOther,
		},
		{
			name: "unknown error",
			err:  errOther,
			kind: KindOther,
		},
		{
			name: "canceled",
			err: fmt.Errorf("%w: %w", ErrTransportIO,
				context.Canceled),
			kind: KindOther,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.kind, classify(tc.err))
		})
	}
}

// TestDeviceError checks that a device error matches its kind sentinel and
// the underlying error.
func TestDeviceError(t *testing.T) {
	t.Parallel()

	raw := &StatusError{Code: SWInsNotSupported}
	err := error(&DeviceError{
		Kind:     KindApplication,
		Op:       "sign transaction",
		Expected: "Bitcoin",
		Err:      raw,
	})

	require.ErrorIs(t, err, ErrWrongApplication)
	require.NotErrorIs(t, err, ErrConnectionLost)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, SWInsNotSupported, statusErr.Code)

	require.Contains(t, err.Error(), `"Bitcoin"`)
	require.Contains(t, err.Error(), "0x6D00")

	// The sentinel is named once when the device runs another app.
	mismatch := &DeviceError{
		Kind:     KindApplication,
		Op:       "sign transaction",
		Expected: "Bitcoin",
		Err:      &AppMismatchError{Running: "Bitcoin Test"},
	}
	require.Equal(t, "sign transaction: wrong application open on "+
		"device, open the \"Bitcoin\" app on the device: device runs "+
		"\"Bitcoin Test\"", mismatch.Error())

	// An unclassified error only unwraps to its cause.
	other := &DeviceError{Kind: KindOther, Op: "connect", Err: errOther}
	require.ErrorIs(t, other, errOther)
	require.Len(t, other.Unwrap(), 1)
}

// TestErrorKindString checks the names of the error kinds.
func TestErrorKindString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "transport", KindTransport.String())
	require.Equal(t, "not ready", KindNotReady.String())
	require.Equal(t, "application", KindApplication.String())
	require.Equal(t, "other", KindOther.String())
}
