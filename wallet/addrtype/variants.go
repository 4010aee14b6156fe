// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrtype

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/psbtkit/psbtkit/chain"
	"github.com/psbtkit/psbtkit/pkg/btcunit"
)

// Legacy is a P2PKH address type.
type Legacy struct{}

func (Legacy) isAddressType() {}

// Name returns the name of the address type.
func (Legacy) Name() string { return "legacy" }

// Purpose returns the BIP44 purpose.
func (Legacy) Purpose() uint32 { return 44 }

// DustThreshold returns the P2PKH dust limit.
func (Legacy) DustThreshold() btcutil.Amount { return DustLegacy }

// Address returns the P2PKH address of pubKey.
func (Legacy) Address(pubKey *btcec.PublicKey,
	params *chaincfg.Params) (btcutil.Address, error) {

	return btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), params,
	)
}

// PkScript returns the P2PKH script of pubKey.
func (l Legacy) PkScript(pubKey *btcec.PublicKey) ([]byte, error) {
	return scriptFromAddress(l, pubKey)
}

// EncodeInput encodes a P2PKH input. Legacy inputs are signed over the full
// previous transaction, so it must be attached to the utxo.
func (l Legacy) EncodeInput(utxo *chain.UnspentOutput,
	pubKey *btcec.PublicKey, opts ...EncodeOption) (*wire.TxIn,
	*psbt.PInput, error) {

	txIn, in, err := newInput(l, utxo, pubKey)
	if err != nil {
		return nil, nil, err
	}

	if utxo.PrevTx == nil {
		return nil, nil, ErrMissingPrevTx
	}

	if err := checkPrevTx(utxo, utxo.PrevTx); err != nil {
		return nil, nil, err
	}

	// A legacy input must not carry a witness utxo, otherwise the
	// finalizer treats it as a witness spend.
	in.NonWitnessUtxo = utxo.PrevTx
	in.SighashType = txscript.SigHashAll
	addDerivation(in, pubKey, newEncodeConfig(opts), false)

	return txIn, in, nil
}

// EstimateInputSize returns the size of a P2PKH input.
func (l Legacy) EstimateInputSize() btcunit.VByte {
	return inputSize(templateScript(l))
}

// EstimateOutputSize returns the size of a P2PKH output.
func (Legacy) EstimateOutputSize() btcunit.VByte {
	return outputSize(txsizes.P2PKHPkScriptSize)
}

// NativeSegwit is a P2WPKH address type.
type NativeSegwit struct{}

func (NativeSegwit) isAddressType() {}

// Name returns the name of the address type.
func (NativeSegwit) Name() string { return "native-segwit" }

// Purpose returns the BIP84 purpose.
func (NativeSegwit) Purpose() uint32 { return 84 }

// DustThreshold returns the P2WPKH dust limit.
func (NativeSegwit) DustThreshold() btcutil.Amount { return DustNativeSegwit }

// Address returns the P2WPKH address of pubKey.
func (NativeSegwit) Address(pubKey *btcec.PublicKey,
	params *chaincfg.Params) (btcutil.Address, error) {

	return btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), params,
	)
}

// PkScript returns the P2WPKH script of pubKey.
func (n NativeSegwit) PkScript(pubKey *btcec.PublicKey) ([]byte, error) {
	return scriptFromAddress(n, pubKey)
}

// EncodeInput encodes a P2WPKH input.
func (n NativeSegwit) EncodeInput(utxo *chain.UnspentOutput,
	pubKey *btcec.PublicKey, opts ...EncodeOption) (*wire.TxIn,
	*psbt.PInput, error) {

	txIn, in, err := newInput(n, utxo, pubKey)
	if err != nil {
		return nil, nil, err
	}

	if err := encodeSegWitV0(in, utxo); err != nil {
		return nil, nil, err
	}
	addDerivation(in, pubKey, newEncodeConfig(opts), false)

	return txIn, in, nil
}

// EstimateInputSize returns the size of a P2WPKH input.
func (n NativeSegwit) EstimateInputSize() btcunit.VByte {
	return inputSize(templateScript(n))
}

// EstimateOutputSize returns the size of a P2WPKH output.
func (NativeSegwit) EstimateOutputSize() btcunit.VByte {
	return outputSize(txsizes.P2WPKHPkScriptSize)
}

// NestedSegwit is a P2WPKH output wrapped in P2SH.
type NestedSegwit struct{}

func (NestedSegwit) isAddressType() {}

// Name returns the name of the address type.
func (NestedSegwit) Name() string { return "nested-segwit" }

// Purpose returns the BIP49 purpose.
func (NestedSegwit) Purpose() uint32 { return 49 }

// DustThreshold returns the P2SH dust limit.
func (NestedSegwit) DustThreshold() btcutil.Amount { return DustLegacy }

// RedeemScript returns the P2WPKH witness program that the P2SH output
// commits to.
func (NestedSegwit) RedeemScript(pubKey *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(pubKey.SerializeCompressed())).
		Script()
}

// Address returns the P2SH-P2WPKH address of pubKey.
func (n NestedSegwit) Address(pubKey *btcec.PublicKey,
	params *chaincfg.Params) (btcutil.Address, error) {

	redeemScript, err := n.RedeemScript(pubKey)
	if err != nil {
		return nil, err
	}

	return btcutil.NewAddressScriptHash(redeemScript, params)
}

// PkScript returns the P2SH script of pubKey's witness program.
func (n NestedSegwit) PkScript(pubKey *btcec.PublicKey) ([]byte, error) {
	return scriptFromAddress(n, pubKey)
}

// EncodeInput encodes a nested P2WPKH input, attaching the redeem script
// needed to build the final scriptSig.
func (n NestedSegwit) EncodeInput(utxo *chain.UnspentOutput,
	pubKey *btcec.PublicKey, opts ...EncodeOption) (*wire.TxIn,
	*psbt.PInput, error) {

	txIn, in, err := newInput(n, utxo, pubKey)
	if err != nil {
		return nil, nil, err
	}

	if err := encodeSegWitV0(in, utxo); err != nil {
		return nil, nil, err
	}

	in.RedeemScript, err = n.RedeemScript(pubKey)
	if err != nil {
		return nil, nil, err
	}
	addDerivation(in, pubKey, newEncodeConfig(opts), false)

	return txIn, in, nil
}

// EstimateInputSize returns the size of a nested P2WPKH input.
func (n NestedSegwit) EstimateInputSize() btcunit.VByte {
	return inputSize(templateScript(n))
}

// EstimateOutputSize returns the size of a P2SH output.
func (NestedSegwit) EstimateOutputSize() btcunit.VByte {
	return outputSize(txsizes.NestedP2WPKHPkScriptSize)
}

// Taproot is a BIP86 key-path P2TR address type.
type Taproot struct{}

func (Taproot) isAddressType() {}

// Name returns the name of the address type.
func (Taproot) Name() string { return "taproot" }

// Purpose returns the BIP86 purpose.
func (Taproot) Purpose() uint32 { return 86 }

// DustThreshold returns the P2TR dust limit.
func (Taproot) DustThreshold() btcutil.Amount { return DustTaproot }

// OutputKey returns the BIP86 tweaked output key for the internal key.
func (Taproot) OutputKey(internalKey *btcec.PublicKey) *btcec.PublicKey {
	return txscript.ComputeTaprootKeyNoScript(internalKey)
}

// Address returns the P2TR address of pubKey.
func (t Taproot) Address(pubKey *btcec.PublicKey,
	params *chaincfg.Params) (btcutil.Address, error) {

	return btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(t.OutputKey(pubKey)), params,
	)
}

// PkScript returns the P2TR script of pubKey.
func (t Taproot) PkScript(pubKey *btcec.PublicKey) ([]byte, error) {
	return txscript.PayToTaprootScript(t.OutputKey(pubKey))
}

// EncodeInput encodes a P2TR key spend input. The x-only internal key is
// embedded so signers can compute the tweak.
func (t Taproot) EncodeInput(utxo *chain.UnspentOutput,
	pubKey *btcec.PublicKey, opts ...EncodeOption) (*wire.TxIn,
	*psbt.PInput, error) {

	txIn, in, err := newInput(t, utxo, pubKey)
	if err != nil {
		return nil, nil, err
	}

	// Segwit v1 commits to all spent amounts, the witness utxo is enough.
	in.WitnessUtxo = witnessUtxo(utxo)
	in.SighashType = txscript.SigHashDefault
	in.TaprootInternalKey = schnorr.SerializePubKey(pubKey)
	addDerivation(in, pubKey, newEncodeConfig(opts), true)

	return txIn, in, nil
}

// EstimateInputSize returns the size of a P2TR key spend input.
func (t Taproot) EstimateInputSize() btcunit.VByte {
	return inputSize(templateScript(t))
}

// EstimateOutputSize returns the size of a P2TR output.
func (Taproot) EstimateOutputSize() btcunit.VByte {
	return outputSize(txsizes.P2TRPkScriptSize)
}

// NativeSegwitHD is the P2WPKH type of HD accounts. Its inputs always carry
// the BIP32 derivation of the signing key.
type NativeSegwitHD struct {
	NativeSegwit
}

// Name returns the name of the address type.
func (NativeSegwitHD) Name() string { return "native-segwit-hd" }

// EncodeInput encodes a P2WPKH input and requires a derivation.
func (n NativeSegwitHD) EncodeInput(utxo *chain.UnspentOutput,
	pubKey *btcec.PublicKey, opts ...EncodeOption) (*wire.TxIn,
	*psbt.PInput, error) {

	if newEncodeConfig(opts).derivation.IsNone() {
		return nil, nil, ErrMissingDerivation
	}

	return n.NativeSegwit.EncodeInput(utxo, pubKey, opts...)
}

// TaprootHD is the P2TR type of HD accounts. Its inputs always carry the
// BIP32 and taproot derivations of the signing key.
type TaprootHD struct {
	Taproot
}

// Name returns the name of the address type.
func (TaprootHD) Name() string { return "taproot-hd" }

// EncodeInput encodes a P2TR input and requires a derivation.
func (t TaprootHD) EncodeInput(utxo *chain.UnspentOutput,
	pubKey *btcec.PublicKey, opts ...EncodeOption) (*wire.TxIn,
	*psbt.PInput, error) {

	if newEncodeConfig(opts).derivation.IsNone() {
		return nil, nil, ErrMissingDerivation
	}

	return t.Taproot.EncodeInput(utxo, pubKey, opts...)
}

// encodeSegWitV0 fills the utxo fields of a segwit v0 input. The full
// previous transaction is included whenever it is known to protect hardware
// signers against fee attacks on v0 sighashes.
func encodeSegWitV0(in *psbt.PInput, utxo *chain.UnspentOutput) error {
	if utxo.PrevTx != nil {
		if err := checkPrevTx(utxo, utxo.PrevTx); err != nil {
			return err
		}

		in.NonWitnessUtxo = utxo.PrevTx
	}

	in.WitnessUtxo = witnessUtxo(utxo)
	in.SighashType = txscript.SigHashAll

	return nil
}

// scriptFromAddress derives the locking script from the address of pubKey.
// Locking scripts do not depend on the network, any params will do.
func scriptFromAddress(t AddressType, pubKey *btcec.PublicKey) ([]byte,
	error) {

	if pubKey == nil {
		return nil, ErrNilPubKey
	}

	addr, err := t.Address(pubKey, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}
