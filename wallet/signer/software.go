// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/psbtkit/psbtkit/wallet/addrtype"
)

// SoftwareBackend signs with a private key held in memory.
type SoftwareBackend struct {
	privKey  *btcec.PrivateKey
	addrType addrtype.AddressType
}

// A compile time check to ensure SoftwareBackend implements SigningBackend.
var _ SigningBackend = (*SoftwareBackend)(nil)

// NewSoftwareBackend creates a backend signing with privKey for an account
// of the given address type.
func NewSoftwareBackend(privKey *btcec.PrivateKey,
	addrType addrtype.AddressType) *SoftwareBackend {

	return &SoftwareBackend{
		privKey:  privKey,
		addrType: addrType,
	}
}

// PubKey returns the public key of the backend.
func (s *SoftwareBackend) PubKey() *btcec.PublicKey {
	return s.privKey.PubKey()
}

// Sign signs the listed inputs of the packet in place. All inputs are
// validated before the first signature is added, so a failing call leaves
// the packet untouched. An empty input list is not an error.
func (s *SoftwareBackend) Sign(ctx context.Context, packet *psbt.Packet,
	inputs []InputForSigning, autoFinalize bool) (*SignResult, error) {

	if packet == nil {
		return nil, ErrNilPacket
	}

	pubKey := s.PubKey()
	for _, input := range inputs {
		if err := CheckInputIndex(packet, input.Index); err != nil {
			return nil, err
		}

		if input.PubKey == nil || !input.PubKey.IsEqual(pubKey) {
			return nil, fmt.Errorf("%w: input %d is not signed by "+
				"%x", ErrAddressOrKeyMismatch, input.Index,
				pubKey.SerializeCompressed())
		}
	}

	result := &SignResult{Packet: packet}
	if len(inputs) == 0 {
		log.Debugf("No inputs to sign in packet %v",
			packet.UnsignedTx.TxHash())

		return result, nil
	}

	if err := CheckUtxos(packet); err != nil {
		return nil, err
	}

	fetcher := PrevOutputFetcher(packet)
	for _, input := range inputs {
		if err := s.checkScript(packet, fetcher, input); err != nil {
			return nil, err
		}
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}

	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	for _, input := range inputs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		signed, err := s.signInput(updater, fetcher, sigHashes, input)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", input.Index,
				err)
		}

		if signed {
			result.SignedInputs = append(
				result.SignedInputs, uint32(input.Index),
			)
		}
	}

	if autoFinalize {
		if err := FinalizeInputs(packet, inputs); err != nil {
			return nil, err
		}
	}

	log.Infof("Signed %d of %d requested inputs of %v",
		len(result.SignedInputs), len(inputs),
		packet.UnsignedTx.TxHash())

	return result, nil
}

// checkScript makes sure the output spent by the input is locked to the
// backend key.
func (s *SoftwareBackend) checkScript(packet *psbt.Packet,
	fetcher txscript.PrevOutputFetcher, input InputForSigning) error {

	txIn := packet.UnsignedTx.TxIn[input.Index]
	prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)

	addrType, err := addrtype.FromScript(prevOut.PkScript)
	if err != nil {
		return fmt.Errorf("%w: input %d: %w", ErrAddressOrKeyMismatch,
			input.Index, err)
	}

	var expected []byte
	if _, ok := addrType.(addrtype.Taproot); ok && input.tweakDisabled() {
		expected, err = txscript.PayToTaprootScript(s.PubKey())
	} else {
		expected, err = addrType.PkScript(s.PubKey())
	}
	if err != nil {
		return err
	}

	if !bytes.Equal(expected, prevOut.PkScript) {
		return fmt.Errorf("%w: input %d spends %x", ErrAddressOrKeyMismatch,
			input.Index, prevOut.PkScript)
	}

	return nil
}

// signInput adds the backend signature to one input. It returns false if
// the input is finalized or already carries the signature.
func (s *SoftwareBackend) signInput(updater *psbt.Updater,
	fetcher txscript.PrevOutputFetcher, sigHashes *txscript.TxSigHashes,
	input InputForSigning) (bool, error) {

	packet := updater.Upsbt
	in := &packet.Inputs[input.Index]
	if IsFinalized(in) {
		log.Debugf("Input %d is already finalized", input.Index)
		return false, nil
	}

	txIn := packet.UnsignedTx.TxIn[input.Index]
	prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)

	addrType, err := addrtype.FromScript(prevOut.PkScript)
	if err != nil {
		return false, err
	}

	if _, ok := addrType.(addrtype.Taproot); ok {
		return s.signTaproot(
			packet, fetcher, sigHashes, input, prevOut,
		)
	}

	return s.signECDSA(updater, sigHashes, input, addrType, prevOut)
}

// signTaproot creates a key spend signature. Unless the tweak is disabled the
// key is tweaked with an empty script root.
func (s *SoftwareBackend) signTaproot(packet *psbt.Packet,
	fetcher txscript.PrevOutputFetcher, sigHashes *txscript.TxSigHashes,
	input InputForSigning, prevOut *wire.TxOut) (bool, error) {

	in := &packet.Inputs[input.Index]
	if len(in.TaprootKeySpendSig) > 0 {
		return false, nil
	}

	hashType, err := checkSighash(in, input, true)
	if err != nil {
		return false, err
	}

	// Inputs created by third parties may omit the internal key of our
	// own outputs.
	_, isTaproot := addrtype.Base(s.addrType).(addrtype.Taproot)
	if isTaproot && !input.tweakDisabled() &&
		len(in.TaprootInternalKey) == 0 {

		in.TaprootInternalKey = schnorr.SerializePubKey(s.PubKey())
		log.Debugf("Added taproot internal key to input %d",
			input.Index)
	}

	tx := packet.UnsignedTx

	var sig []byte
	if input.tweakDisabled() {
		sigHash, err := txscript.CalcTaprootSignatureHash(
			sigHashes, hashType, tx, input.Index, fetcher,
		)
		if err != nil {
			return false, err
		}

		schnorrSig, err := schnorr.Sign(s.privKey, sigHash)
		if err != nil {
			return false, err
		}

		sig = schnorrSig.Serialize()
		if hashType != txscript.SigHashDefault {
			sig = append(sig, byte(hashType))
		}
	} else {
		sig, err = txscript.RawTxInTaprootSignature(
			tx, sigHashes, input.Index, prevOut.Value,
			prevOut.PkScript, nil, hashType, s.privKey,
		)
		if err != nil {
			return false, err
		}
	}

	in.TaprootKeySpendSig = sig

	return true, nil
}

// signECDSA creates a partial signature for legacy and segwit v0 inputs and
// adds it through the updater, which checks it against the spent output.
func (s *SoftwareBackend) signECDSA(updater *psbt.Updater,
	sigHashes *txscript.TxSigHashes, input InputForSigning,
	addrType addrtype.AddressType, prevOut *wire.TxOut) (bool, error) {

	packet := updater.Upsbt
	in := &packet.Inputs[input.Index]
	pubKey := s.PubKey().SerializeCompressed()

	for _, partial := range in.PartialSigs {
		if bytes.Equal(partial.PubKey, pubKey) {
			return false, nil
		}
	}

	hashType, err := checkSighash(in, input, false)
	if err != nil {
		return false, err
	}

	var (
		tx           = packet.UnsignedTx
		sig          []byte
		redeemScript []byte
	)
	switch addrType.(type) {
	case addrtype.Legacy:
		sig, err = txscript.RawTxInSignature(
			tx, input.Index, prevOut.PkScript, hashType, s.privKey,
		)

	case addrtype.NativeSegwit:
		sig, err = txscript.RawTxInWitnessSignature(
			tx, sigHashes, input.Index, prevOut.Value,
			prevOut.PkScript, hashType, s.privKey,
		)

	case addrtype.NestedSegwit:
		redeemScript, err = addrtype.NestedSegwit{}.RedeemScript(
			s.PubKey(),
		)
		if err != nil {
			return false, err
		}

		sig, err = txscript.RawTxInWitnessSignature(
			tx, sigHashes, input.Index, prevOut.Value,
			redeemScript, hashType, s.privKey,
		)

	default:
		return false, fmt.Errorf("%w: %s", addrtype.ErrUnsupportedAddressType,
			addrType.Name())
	}
	if err != nil {
		return false, err
	}

	outcome, err := updater.Sign(
		input.Index, sig, pubKey, redeemScript, nil,
	)
	if err != nil {
		return false, err
	}

	return outcome == psbt.SignSuccesful, nil
}

// IsFinalized returns true if the input carries a final script.
func IsFinalized(in *psbt.PInput) bool {
	return len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0
}

// FinalizeInputs finalizes every listed input that is not final yet.
func FinalizeInputs(packet *psbt.Packet, inputs []InputForSigning) error {
	for _, input := range inputs {
		if IsFinalized(&packet.Inputs[input.Index]) {
			continue
		}

		if err := psbt.Finalize(packet, input.Index); err != nil {
			return fmt.Errorf("finalize input %d: %w", input.Index,
				err)
		}
	}

	return nil
}
