// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package signer defines how prepared PSBTs are handed to a signing backend
// and provides the in-process software backend.
package signer

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/psbtkit/psbtkit/wallet/addrtype"
)

var (
	// ErrInvalidInputIndex is returned when an input to sign does not
	// exist in the packet.
	ErrInvalidInputIndex = errors.New("invalid input index")

	// ErrAddressOrKeyMismatch is returned when the declared public key of
	// an input does not belong to the backend or does not lock the spent
	// output.
	ErrAddressOrKeyMismatch = errors.New("address or key mismatch")

	// ErrSighashNotAllowed is returned when the sighash type requested by
	// the packet is not among the allowed sighash types of the input.
	ErrSighashNotAllowed = errors.New("sighash type not allowed")

	// ErrMissingInputUtxo is returned when an input of the packet has
	// neither a witness nor a non-witness utxo, which makes computing any
	// signature hash impossible.
	ErrMissingInputUtxo = errors.New("psbt input has no utxo")

	// ErrNilPacket is returned when no packet is given.
	ErrNilPacket = errors.New("nil psbt packet")
)

// InputForSigning describes one input a backend is asked to sign.
type InputForSigning struct {
	// Index is the index of the input in the packet.
	Index int

	// PubKey is the public key expected to sign the input.
	PubKey *btcec.PublicKey

	// SighashTypes restricts the sighash types the signer accepts for
	// this input. When absent only the default type of the input's
	// script version is allowed.
	SighashTypes fn.Option[[]txscript.SigHashType]

	// DisableTweak signs a taproot input with the untweaked key. It is
	// only meaningful for taproot inputs.
	DisableTweak fn.Option[bool]
}

// tweakDisabled returns whether the taproot tweak is disabled for the input.
func (i InputForSigning) tweakDisabled() bool {
	return i.DisableTweak.UnwrapOr(false)
}

// allowedSighash returns the sighash types accepted for the input.
func (i InputForSigning) allowedSighash(taproot bool) []txscript.SigHashType {
	def := []txscript.SigHashType{txscript.SigHashAll}
	if taproot {
		def = []txscript.SigHashType{txscript.SigHashDefault}
	}

	return i.SighashTypes.UnwrapOr(def)
}

// SignResult is the outcome of a Sign call.
type SignResult struct {
	// SignedInputs contains the indices of the inputs that received a
	// new signature.
	SignedInputs []uint32

	// Packet is the signed packet. It is the same pointer as the packet
	// passed in.
	Packet *psbt.Packet
}

// SigningBackend signs PSBT inputs and messages. Implementations exist for
// in-process keys and for external hardware devices; callers pick one based
// on the account they sign for.
type SigningBackend interface {
	// Sign signs the given inputs of the packet. If autoFinalize is set,
	// every listed input is finalized afterwards. Inputs that are already
	// signed or finalized are skipped.
	Sign(ctx context.Context, packet *psbt.Packet,
		inputs []InputForSigning, autoFinalize bool) (*SignResult, error)

	// SignMessage signs text with the backend key and returns the base64
	// encoded compact signature.
	SignMessage(ctx context.Context, text string) (string, error)

	// PubKey returns the public key of the account the backend signs for.
	PubKey() *btcec.PublicKey
}

// CheckInputIndex makes sure idx refers to an input of the packet.
func CheckInputIndex(packet *psbt.Packet, idx int) error {
	if idx < 0 || idx >= len(packet.UnsignedTx.TxIn) ||
		idx >= len(packet.Inputs) {

		return fmt.Errorf("%w: %d, packet has %d inputs",
			ErrInvalidInputIndex, idx, len(packet.UnsignedTx.TxIn))
	}

	return nil
}

// checkSighash returns the sighash type requested by the input and makes
// sure it is allowed.
func checkSighash(in *psbt.PInput, input InputForSigning,
	taproot bool) (txscript.SigHashType, error) {

	hashType := in.SighashType
	if hashType == 0 && !taproot {
		hashType = txscript.SigHashAll
	}

	allowed := input.allowedSighash(taproot)
	if !slices.Contains(allowed, hashType) {
		return 0, fmt.Errorf("%w: input %d requests %v, allowed %v",
			ErrSighashNotAllowed, input.Index, hashType, allowed)
	}

	return hashType, nil
}

// InferInputs inspects every input of the packet and returns the ones whose
// spent output is locked to pubKey under any supported address type. Taproot
// outputs paying to the untweaked key are returned with the tweak disabled.
func InferInputs(packet *psbt.Packet,
	pubKey *btcec.PublicKey) ([]InputForSigning, error) {

	if packet == nil {
		return nil, ErrNilPacket
	}

	// Collect every script the key can lock an output with.
	scripts := make(map[string]bool)
	for _, t := range []addrtype.AddressType{
		addrtype.Legacy{}, addrtype.NestedSegwit{},
		addrtype.NativeSegwit{}, addrtype.Taproot{},
	} {
		script, err := t.PkScript(pubKey)
		if err != nil {
			return nil, err
		}
		scripts[string(script)] = false
	}

	untweaked, err := txscript.PayToTaprootScript(pubKey)
	if err != nil {
		return nil, err
	}
	scripts[string(untweaked)] = true

	fetcher := PrevOutputFetcher(packet)

	var inputs []InputForSigning
	for idx, txIn := range packet.UnsignedTx.TxIn {
		prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		if prevOut == nil {
			continue
		}

		disableTweak, ok := scripts[string(prevOut.PkScript)]
		if !ok {
			continue
		}

		input := InputForSigning{
			Index:  idx,
			PubKey: pubKey,
		}
		if disableTweak {
			input.DisableTweak = fn.Some(true)
		}

		inputs = append(inputs, input)
	}

	log.Debugf("Inferred %d of %d inputs to sign for key %x", len(inputs),
		len(packet.UnsignedTx.TxIn), pubKey.SerializeCompressed())

	return inputs, nil
}
