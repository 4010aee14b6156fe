package signer

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/psbtkit/psbtkit/wallet/addrtype"
	"github.com/stretchr/testify/require"
)

// TestSignMessage checks that a signed message verifies against the backend
// key only.
func TestSignMessage(t *testing.T) {
	t.Parallel()

	privKey, pubKey := testKey(20)
	_, otherKey := testKey(21)
	backend := NewSoftwareBackend(privKey, addrtype.Legacy{})

	sig, err := backend.SignMessage(context.Background(), "hello world")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	require.Len(t, raw, 65)

	require.NoError(t, VerifyMessage("hello world", sig, pubKey))

	err = VerifyMessage("hello world", sig, otherKey)
	require.ErrorIs(t, err, ErrInvalidMessageSignature)

	// A different message recovers a different key.
	err = VerifyMessage("hello world!", sig, pubKey)
	require.ErrorIs(t, err, ErrInvalidMessageSignature)

	err = VerifyMessage("hello world", "not base64!", pubKey)
	require.ErrorIs(t, err, ErrInvalidMessageSignature)

	// Signing is deterministic.
	again, err := backend.SignMessage(context.Background(), "hello world")
	require.NoError(t, err)
	require.Equal(t, sig, again)
}
