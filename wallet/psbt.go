// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrInvalidPsbtHex is returned when a PSBT string is not valid hex.
	ErrInvalidPsbtHex = errors.New("invalid psbt hex")

	// ErrNoPsbtsToCombine is returned when CombinePsbt is called without
	// any packets.
	ErrNoPsbtsToCombine = errors.New("no psbts to combine")

	// ErrDifferentTransactions is returned when the packets passed to
	// CombinePsbt do not share the same unsigned transaction.
	ErrDifferentTransactions = errors.New(
		"psbts spend different transactions",
	)

	// ErrPsbtMergeConflict is returned when two packets carry different
	// values for a field that can only hold one.
	ErrPsbtMergeConflict = errors.New("conflicting psbt fields")
)

// DecodePsbt parses a hex encoded PSBT.
func DecodePsbt(psbtHex string) (*psbt.Packet, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(psbtHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPsbtHex, err)
	}

	return psbt.NewFromRawBytes(bytes.NewReader(raw), false)
}

// EncodePsbt serializes packet as hex.
func EncodePsbt(packet *psbt.Packet) (string, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

// copyPacket returns a deep copy of packet.
func copyPacket(packet *psbt.Packet) (*psbt.Packet, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, err
	}

	return psbt.NewFromRawBytes(&buf, false)
}

// finalizePacket finalizes every input that is not final yet and extracts
// the network transaction.
func finalizePacket(packet *psbt.Packet) (*wire.MsgTx, error) {
	for idx := range packet.Inputs {
		in := &packet.Inputs[idx]
		if len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0 {
			continue
		}

		if err := psbt.Finalize(packet, idx); err != nil {
			return nil, fmt.Errorf("finalize input %d: %w", idx, err)
		}
	}

	return psbt.Extract(packet)
}

// combinePackets merges packets that share one unsigned transaction into a
// new packet. None of the packets is modified.
func combinePackets(packets ...*psbt.Packet) (*psbt.Packet, error) {
	if len(packets) == 0 {
		return nil, ErrNoPsbtsToCombine
	}

	combined, err := copyPacket(packets[0])
	if err != nil {
		return nil, err
	}

	txid := combined.UnsignedTx.TxHash()
	for i, packet := range packets[1:] {
		if packet.UnsignedTx.TxHash() != txid {
			return nil, fmt.Errorf("%w: packet %d spends %v, want %v",
				ErrDifferentTransactions, i+1,
				packet.UnsignedTx.TxHash(), txid)
		}

		for idx := range packet.Inputs {
			err := mergeInput(
				&combined.Inputs[idx], &packet.Inputs[idx],
			)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", idx, err)
			}
		}

		for idx := range packet.Outputs {
			err := mergeOutput(
				&combined.Outputs[idx], &packet.Outputs[idx],
			)
			if err != nil {
				return nil, fmt.Errorf("output %d: %w", idx, err)
			}
		}
	}

	if err := combined.SanityCheck(); err != nil {
		return nil, err
	}

	return combined, nil
}

// mergeBytes fills dest from src, failing if both are set and differ.
func mergeBytes(name string, dest *[]byte, src []byte) error {
	switch {
	case len(src) == 0:
		return nil

	case len(*dest) == 0:
		*dest = src
		return nil

	case !bytes.Equal(*dest, src):
		return fmt.Errorf("%w: %s", ErrPsbtMergeConflict, name)
	}

	return nil
}

// mergeInput merges the fields of src into dest.
func mergeInput(dest, src *psbt.PInput) error {
	if dest.NonWitnessUtxo == nil {
		dest.NonWitnessUtxo = src.NonWitnessUtxo
	}

	if dest.WitnessUtxo == nil {
		dest.WitnessUtxo = src.WitnessUtxo
	} else if src.WitnessUtxo != nil &&
		!psbt.TxOutsEqual(dest.WitnessUtxo, src.WitnessUtxo) {

		return fmt.Errorf("%w: witness utxo", ErrPsbtMergeConflict)
	}

	if dest.SighashType == 0 {
		dest.SighashType = src.SighashType
	}

	for _, sig := range src.PartialSigs {
		if !hasPartialSig(dest.PartialSigs, sig.PubKey) {
			dest.PartialSigs = append(dest.PartialSigs, sig)
		}
	}

	for _, derivation := range src.Bip32Derivation {
		if !hasDerivation(dest.Bip32Derivation, derivation.PubKey) {
			dest.Bip32Derivation = append(
				dest.Bip32Derivation, derivation,
			)
		}
	}

	for _, derivation := range src.TaprootBip32Derivation {
		known := false
		for _, d := range dest.TaprootBip32Derivation {
			if bytes.Equal(d.XOnlyPubKey, derivation.XOnlyPubKey) {
				known = true
				break
			}
		}

		if !known {
			dest.TaprootBip32Derivation = append(
				dest.TaprootBip32Derivation, derivation,
			)
		}
	}

	fields := []struct {
		name string
		dest *[]byte
		src  []byte
	}{
		{"redeem script", &dest.RedeemScript, src.RedeemScript},
		{"witness script", &dest.WitnessScript, src.WitnessScript},
		{"final script sig", &dest.FinalScriptSig, src.FinalScriptSig},
		{
			"final witness", &dest.FinalScriptWitness,
			src.FinalScriptWitness,
		},
		{
			"taproot key spend sig", &dest.TaprootKeySpendSig,
			src.TaprootKeySpendSig,
		},
		{
			"taproot internal key", &dest.TaprootInternalKey,
			src.TaprootInternalKey,
		},
		{
			"taproot merkle root", &dest.TaprootMerkleRoot,
			src.TaprootMerkleRoot,
		},
	}
	for _, f := range fields {
		if err := mergeBytes(f.name, f.dest, f.src); err != nil {
			return err
		}
	}

	return nil
}

// mergeOutput merges the fields of src into dest.
func mergeOutput(dest, src *psbt.POutput) error {
	for _, derivation := range src.Bip32Derivation {
		if !hasDerivation(dest.Bip32Derivation, derivation.PubKey) {
			dest.Bip32Derivation = append(
				dest.Bip32Derivation, derivation,
			)
		}
	}

	if len(dest.TaprootBip32Derivation) == 0 {
		dest.TaprootBip32Derivation = src.TaprootBip32Derivation
	}

	err := mergeBytes("redeem script", &dest.RedeemScript,
		src.RedeemScript)
	if err != nil {
		return err
	}

	err = mergeBytes("witness script", &dest.WitnessScript,
		src.WitnessScript)
	if err != nil {
		return err
	}

	return mergeBytes("taproot internal key", &dest.TaprootInternalKey,
		src.TaprootInternalKey)
}

func hasPartialSig(sigs []*psbt.PartialSig, pubKey []byte) bool {
	for _, sig := range sigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true
		}
	}

	return false
}

func hasDerivation(derivations []*psbt.Bip32Derivation, pubKey []byte) bool {
	for _, d := range derivations {
		if bytes.Equal(d.PubKey, pubKey) {
			return true
		}
	}

	return false
}
