// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/psbtkit/psbtkit/chain"
	"github.com/psbtkit/psbtkit/pkg/btcunit"
	"github.com/psbtkit/psbtkit/wallet/addrtype"
	"github.com/psbtkit/psbtkit/wallet/signer"
)

// ErrFeeSimulation is returned when the throwaway transaction used to size a
// fee cannot be built, signed or finalized.
var ErrFeeSimulation = errors.New("fee simulation failed")

// maxECDSASigLen is the largest low-S DER signature including the sighash
// byte. Simulated signatures are padded to it so the measured size does not
// depend on the disposable key.
const maxECDSASigLen = 72

// FeeSimulator sizes a transaction by building, signing and finalizing a
// copy of it with a disposable key.
type FeeSimulator struct {
	// newKey creates the disposable key.
	newKey func() (*btcec.PrivateKey, error)
}

// NewFeeSimulator creates a FeeSimulator using fresh random keys.
func NewFeeSimulator() *FeeSimulator {
	return &FeeSimulator{newKey: btcec.NewPrivateKey}
}

// EstimateFee returns the fee of a transaction spending inputs to outputs at
// feeRate. The size is measured on a fully signed copy of the transaction in
// which every input is re-targeted to a disposable key. Inputs whose script
// cannot be classified are simulated as addrType.
func (f *FeeSimulator) EstimateFee(ctx context.Context,
	inputs []chain.UnspentOutput, outputs []*wire.TxOut,
	addrType addrtype.AddressType,
	feeRate btcunit.SatPerVByte) (btcutil.Amount, error) {

	weight, err := f.SimulateWeight(ctx, inputs, outputs, addrType)
	if err != nil {
		return 0, err
	}

	return feeRate.FeeForVSize(weight), nil
}

// SimulateWeight returns the weight of the signed transaction spending
// inputs to outputs.
func (f *FeeSimulator) SimulateWeight(ctx context.Context,
	inputs []chain.UnspentOutput, outputs []*wire.TxOut,
	addrType addrtype.AddressType) (btcunit.WeightUnit, error) {

	if len(inputs) == 0 {
		return btcunit.WeightUnit{}, fmt.Errorf("%w: no inputs",
			ErrFeeSimulation)
	}

	privKey, err := f.newKey()
	if err != nil {
		return btcunit.WeightUnit{}, fmt.Errorf("%w: %w",
			ErrFeeSimulation, err)
	}

	packet, err := simulationPacket(inputs, outputs, addrType, privKey)
	if err != nil {
		return btcunit.WeightUnit{}, fmt.Errorf("%w: %w",
			ErrFeeSimulation, err)
	}

	backend := signer.NewSoftwareBackend(privKey, addrtype.Base(addrType))
	toSign := make([]signer.InputForSigning, len(inputs))
	for i := range toSign {
		toSign[i] = signer.InputForSigning{
			Index:  i,
			PubKey: privKey.PubKey(),
		}
	}

	_, err = backend.Sign(ctx, packet, toSign, false)
	if err != nil {
		return btcunit.WeightUnit{}, fmt.Errorf("%w: %w",
			ErrFeeSimulation, err)
	}

	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return btcunit.WeightUnit{}, fmt.Errorf("%w: %w",
			ErrFeeSimulation, err)
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return btcunit.WeightUnit{}, fmt.Errorf("%w: %w",
			ErrFeeSimulation, err)
	}

	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	padding, err := signaturePadding(tx)
	if err != nil {
		return btcunit.WeightUnit{}, fmt.Errorf("%w: %w",
			ErrFeeSimulation, err)
	}

	total := btcunit.NewWeightUnit(uint64(weight) + padding)
	log.Tracef("Simulated %d inputs and %d outputs: %v", len(inputs),
		len(outputs), total)

	return total, nil
}

// simulationPacket builds the unsigned copy of the transaction. Each input
// spends output 0 of a synthesized previous transaction paying its value to
// the disposable key, which keeps legacy inputs signable.
func simulationPacket(inputs []chain.UnspentOutput, outputs []*wire.TxOut,
	addrType addrtype.AddressType,
	privKey *btcec.PrivateKey) (*psbt.Packet, error) {

	pubKey := privKey.PubKey()

	var (
		outpoints = make([]*wire.OutPoint, 0, len(inputs))
		pIns      = make([]psbt.PInput, 0, len(inputs))
		sequences = make([]uint32, 0, len(inputs))
	)
	for idx := range inputs {
		inputType, err := addrtype.FromScript(inputs[idx].PkScript)
		if err != nil {
			inputType = addrtype.Base(addrType)
		}

		pkScript, err := inputType.PkScript(pubKey)
		if err != nil {
			return nil, err
		}

		prevTx := wire.NewMsgTx(wire.TxVersion)
		prevTx.AddTxIn(wire.NewTxIn(
			&wire.OutPoint{Index: uint32(idx)}, nil, nil,
		))
		prevTx.AddTxOut(wire.NewTxOut(
			int64(inputs[idx].Value), pkScript,
		))

		utxo := &chain.UnspentOutput{
			OutPoint: wire.OutPoint{Hash: prevTx.TxHash()},
			Value:    inputs[idx].Value,
			PkScript: pkScript,
			PrevTx:   prevTx,
		}

		txIn, pIn, err := inputType.EncodeInput(utxo, pubKey)
		if err != nil {
			return nil, err
		}

		outpoints = append(outpoints, &txIn.PreviousOutPoint)
		pIns = append(pIns, *pIn)
		sequences = append(sequences, txIn.Sequence)
	}

	simOutputs := make([]*wire.TxOut, 0, len(outputs))
	for _, out := range outputs {
		simOutputs = append(simOutputs, wire.NewTxOut(
			out.Value, out.PkScript,
		))
	}

	packet, err := psbt.New(outpoints, simOutputs, 2, 0, sequences)
	if err != nil {
		return nil, err
	}
	copy(packet.Inputs, pIns)

	return packet, nil
}

// signaturePadding returns the weight needed to bring every ECDSA signature
// of tx to maxECDSASigLen. Witness bytes count once, script sig bytes count
// four times.
func signaturePadding(tx *wire.MsgTx) (uint64, error) {
	var padding uint64
	for _, txIn := range tx.TxIn {
		switch {
		// P2WPKH and nested P2WPKH: <sig> <pubkey>.
		case len(txIn.Witness) == 2:
			padding += sigDeficit(txIn.Witness[0])

		// P2PKH: <sig> <pubkey> pushed in the script sig.
		case len(txIn.Witness) == 0 && len(txIn.SignatureScript) > 0:
			pushes, err := txscript.PushedData(txIn.SignatureScript)
			if err != nil {
				return 0, err
			}
			if len(pushes) == 0 {
				continue
			}

			padding += blockchain.WitnessScaleFactor *
				sigDeficit(pushes[0])
		}
	}

	return padding, nil
}

// sigDeficit returns how many bytes sig is shorter than maxECDSASigLen.
func sigDeficit(sig []byte) uint64 {
	if len(sig) >= maxECDSASigLen {
		return 0
	}

	return uint64(maxECDSASigLen - len(sig))
}
