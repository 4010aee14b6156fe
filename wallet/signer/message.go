// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// messageMagic is prepended to every signed message so that a signature can
// never be replayed as a transaction signature.
const messageMagic = "Bitcoin Signed Message:\n"

// ErrInvalidMessageSignature is returned when a message signature does not
// verify against the expected key.
var ErrInvalidMessageSignature = errors.New("invalid message signature")

// MessageHash returns the double SHA256 digest committed to by a signed
// message.
func MessageHash(text string) []byte {
	var buf bytes.Buffer

	// Writing to a bytes.Buffer never fails.
	_ = wire.WriteVarString(&buf, 0, messageMagic)
	_ = wire.WriteVarString(&buf, 0, text)

	return chainhash.DoubleHashB(buf.Bytes())
}

// EncodeCompactSignature encodes a 65 byte recoverable signature the way
// signed messages are exchanged.
func EncodeCompactSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// SignMessage signs text with the backend key and returns the base64 encoded
// recoverable signature.
func (s *SoftwareBackend) SignMessage(_ context.Context,
	text string) (string, error) {

	sig := ecdsa.SignCompact(s.privKey, MessageHash(text), true)

	return EncodeCompactSignature(sig), nil
}

// VerifyMessage checks that sig is a signature of text by pubKey.
func VerifyMessage(text, sig string, pubKey *btcec.PublicKey) error {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessageSignature, err)
	}

	recovered, _, err := ecdsa.RecoverCompact(raw, MessageHash(text))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessageSignature, err)
	}

	if !recovered.IsEqual(pubKey) {
		return fmt.Errorf("%w: signed by %x", ErrInvalidMessageSignature,
			recovered.SerializeCompressed())
	}

	return nil
}
