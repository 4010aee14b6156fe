// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PrevOutputFetcher returns a txscript.PrevOutputFetcher built from the UTXO
// information in a PSBT packet. The output taken from a full previous
// transaction is preferred over the witness UTXO.
func PrevOutputFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range packet.UnsignedTx.TxIn {
		if idx >= len(packet.Inputs) {
			break
		}

		if prevOut := SpentOutput(txIn, &packet.Inputs[idx]); prevOut != nil {
			fetcher.AddPrevOut(txIn.PreviousOutPoint, prevOut)
		}
	}

	return fetcher
}

// SpentOutput returns the output spent by txIn as described by in, or nil.
func SpentOutput(txIn *wire.TxIn, in *psbt.PInput) *wire.TxOut {
	if in.NonWitnessUtxo != nil {
		prevIndex := txIn.PreviousOutPoint.Index
		if int(prevIndex) < len(in.NonWitnessUtxo.TxOut) {
			return in.NonWitnessUtxo.TxOut[prevIndex]
		}
	}

	return in.WitnessUtxo
}

// CheckUtxos makes sure the spent output of every input is known. Signature
// hashes of segwit v1 commit to all of them.
func CheckUtxos(packet *psbt.Packet) error {
	if len(packet.Inputs) != len(packet.UnsignedTx.TxIn) {
		return fmt.Errorf("%w: %d psbt inputs for %d tx inputs",
			ErrMissingInputUtxo, len(packet.Inputs),
			len(packet.UnsignedTx.TxIn))
	}

	for idx, txIn := range packet.UnsignedTx.TxIn {
		if SpentOutput(txIn, &packet.Inputs[idx]) == nil {
			return fmt.Errorf("%w: input %d", ErrMissingInputUtxo, idx)
		}
	}

	return nil
}
