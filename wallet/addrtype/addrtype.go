// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package addrtype defines the closed set of address types the engine can
// fund, spend and sign for. Each variant knows how to build its locking
// script, how to encode a spent output into a PSBT input and how large its
// inputs and outputs are.
package addrtype

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/psbtkit/psbtkit/chain"
	"github.com/psbtkit/psbtkit/pkg/btcunit"
)

var (
	// ErrUnsupportedAddressType is returned when a name or locking script
	// does not map to any known address type. It signals a configuration
	// error and is never retried.
	ErrUnsupportedAddressType = errors.New("unsupported address type")

	// ErrPkScriptMismatch is returned when the output being encoded is not
	// locked to the script the given public key produces for the address
	// type.
	ErrPkScriptMismatch = errors.New("pk script does not match public key")

	// ErrMissingPrevTx is returned when a legacy output is encoded without
	// the full previous transaction.
	ErrMissingPrevTx = errors.New("legacy input requires previous tx")

	// ErrPrevTxMismatch is returned when the supplied previous transaction
	// does not create the output being spent.
	ErrPrevTxMismatch = errors.New("previous tx does not match outpoint")

	// ErrMissingDerivation is returned when an HD address type is encoded
	// without a derivation path.
	ErrMissingDerivation = errors.New("hd address type requires derivation")

	// ErrNilPubKey is returned when no public key is given.
	ErrNilPubKey = errors.New("nil public key")
)

const (
	// DustLegacy is the dust threshold used for P2PKH and P2SH outputs.
	DustLegacy btcutil.Amount = 546

	// DustNativeSegwit is the dust threshold of a P2WPKH output.
	DustNativeSegwit btcutil.Amount = 294

	// DustTaproot is the dust threshold of a P2TR output.
	DustTaproot btcutil.Amount = 330
)

// AddressType is the capability every address type variant implements. The
// set of implementations is closed; it cannot be extended outside of this
// package.
type AddressType interface {
	// Name returns the stable name of the address type.
	Name() string

	// Purpose returns the BIP43 purpose used to derive keys of this type.
	Purpose() uint32

	// PkScript returns the locking script paying to pubKey.
	PkScript(pubKey *btcec.PublicKey) ([]byte, error)

	// Address returns the address paying to pubKey on the given network.
	Address(pubKey *btcec.PublicKey,
		params *chaincfg.Params) (btcutil.Address, error)

	// EncodeInput builds the unsigned transaction input and the PSBT input
	// descriptor spending utxo with pubKey.
	EncodeInput(utxo *chain.UnspentOutput, pubKey *btcec.PublicKey,
		opts ...EncodeOption) (*wire.TxIn, *psbt.PInput, error)

	// EstimateInputSize returns the estimated virtual size of one signed
	// input of this type.
	EstimateInputSize() btcunit.VByte

	// EstimateOutputSize returns the virtual size of one output of this
	// type.
	EstimateOutputSize() btcunit.VByte

	// DustThreshold returns the smallest output value of this type that
	// is not considered dust.
	DustThreshold() btcutil.Amount

	// isAddressType seals the interface.
	isAddressType()
}

// A compile time check to ensure all variants implement AddressType.
var (
	_ AddressType = (*Legacy)(nil)
	_ AddressType = (*NativeSegwit)(nil)
	_ AddressType = (*Taproot)(nil)
	_ AddressType = (*NestedSegwit)(nil)
	_ AddressType = (*NativeSegwitHD)(nil)
	_ AddressType = (*TaprootHD)(nil)
)

// All returns every supported address type.
func All() []AddressType {
	return []AddressType{
		Legacy{}, NativeSegwit{}, Taproot{}, NestedSegwit{},
		NativeSegwitHD{}, TaprootHD{},
	}
}

// Parse returns the address type with the given name.
func Parse(name string) (AddressType, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))

	addrType, err := fn.Find(All(), func(t AddressType) bool {
		return t.Name() == normalized
	}).UnwrapOrErr(fmt.Errorf("%w: %q", ErrUnsupportedAddressType,
		name))
	if err != nil {
		return nil, err
	}

	return addrType, nil
}

// FromScript classifies a locking script into one of the base address types.
// The HD variants are never returned since they share their scripts with a
// base type.
func FromScript(pkScript []byte) (AddressType, error) {
	switch {
	case txscript.IsPayToPubKeyHash(pkScript):
		return Legacy{}, nil

	case txscript.IsPayToWitnessPubKeyHash(pkScript):
		return NativeSegwit{}, nil

	case txscript.IsPayToTaproot(pkScript):
		return Taproot{}, nil

	// A P2SH script may wrap anything, we only spend it as nested P2WPKH.
	case txscript.IsPayToScriptHash(pkScript):
		return NestedSegwit{}, nil

	default:
		return nil, fmt.Errorf("%w: script class %v",
			ErrUnsupportedAddressType,
			txscript.GetScriptClass(pkScript))
	}
}

// Base strips the HD variant of an address type, returning the type whose
// scripts it shares.
func Base(t AddressType) AddressType {
	switch v := t.(type) {
	case NativeSegwitHD:
		return v.NativeSegwit
	case TaprootHD:
		return v.Taproot
	default:
		return t
	}
}

// encodeConfig holds the optional settings of EncodeInput.
type encodeConfig struct {
	derivation fn.Option[psbt.Bip32Derivation]
}

// EncodeOption is a functional option for EncodeInput.
type EncodeOption func(*encodeConfig)

// WithDerivation attaches the BIP32 derivation of the signing key to the
// encoded input.
func WithDerivation(fingerprint uint32, path []uint32) EncodeOption {
	return func(c *encodeConfig) {
		c.derivation = fn.Some(psbt.Bip32Derivation{
			MasterKeyFingerprint: fingerprint,
			Bip32Path:            path,
		})
	}
}

func newEncodeConfig(opts []EncodeOption) *encodeConfig {
	cfg := &encodeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

// templateScript returns a syntactically valid locking script of the given
// type that is only used for size estimation.
func templateScript(t AddressType) []byte {
	var script []byte
	switch Base(t).(type) {
	case Legacy:
		script = make([]byte, txsizes.P2PKHPkScriptSize)
		script[0] = txscript.OP_DUP
		script[1] = txscript.OP_HASH160
		script[2] = txscript.OP_DATA_20
		script[23] = txscript.OP_EQUALVERIFY
		script[24] = txscript.OP_CHECKSIG

	case NativeSegwit:
		script = make([]byte, txsizes.P2WPKHPkScriptSize)
		script[0] = txscript.OP_0
		script[1] = txscript.OP_DATA_20

	case NestedSegwit:
		script = make([]byte, txsizes.NestedP2WPKHPkScriptSize)
		script[0] = txscript.OP_HASH160
		script[1] = txscript.OP_DATA_20
		script[22] = txscript.OP_EQUAL

	case Taproot:
		script = make([]byte, txsizes.P2TRPkScriptSize)
		script[0] = txscript.OP_1
		script[1] = txscript.OP_DATA_32
	}

	return script
}

// outputSize returns the serialized size of an output with a script of the
// given length: value, script length varint and the script itself.
func outputSize(scriptSize int) btcunit.VByte {
	return btcunit.NewVByte(
		8 + uint64(wire.VarIntSerializeSize(uint64(scriptSize))) +
			uint64(scriptSize),
	)
}

// inputSize returns the estimated virtual size of a signed input spending the
// given script, as computed by btcwallet's size estimator.
func inputSize(pkScript []byte) btcunit.VByte {
	return btcunit.NewVByte(
		uint64(txsizes.GetMinInputVirtualSize(pkScript)),
	)
}

// witnessUtxo copies the spent output into a fresh TxOut.
func witnessUtxo(utxo *chain.UnspentOutput) *wire.TxOut {
	return &wire.TxOut{
		Value:    int64(utxo.Value),
		PkScript: append([]byte(nil), utxo.PkScript...),
	}
}

// checkPrevTx verifies that prevTx creates the output being spent.
func checkPrevTx(utxo *chain.UnspentOutput, prevTx *wire.MsgTx) error {
	if prevTx.TxHash() != utxo.OutPoint.Hash {
		return fmt.Errorf("%w: hash %v, outpoint %v", ErrPrevTxMismatch,
			prevTx.TxHash(), utxo.OutPoint)
	}

	index := utxo.OutPoint.Index
	if int(index) >= len(prevTx.TxOut) {
		return fmt.Errorf("%w: output index %d out of range",
			ErrPrevTxMismatch, index)
	}

	out := prevTx.TxOut[index]
	if out.Value != int64(utxo.Value) ||
		string(out.PkScript) != string(utxo.PkScript) {

		return fmt.Errorf("%w: output %v differs from utxo",
			ErrPrevTxMismatch, utxo.OutPoint)
	}

	return nil
}

// newInput validates the utxo against the expected script and returns the
// bare transaction input together with an empty PSBT input.
func newInput(t AddressType, utxo *chain.UnspentOutput,
	pubKey *btcec.PublicKey) (*wire.TxIn, *psbt.PInput, error) {

	if pubKey == nil {
		return nil, nil, ErrNilPubKey
	}

	if err := utxo.Validate(); err != nil {
		return nil, nil, err
	}

	pkScript, err := t.PkScript(pubKey)
	if err != nil {
		return nil, nil, err
	}

	if string(pkScript) != string(utxo.PkScript) {
		return nil, nil, fmt.Errorf("%w: %s input %v", ErrPkScriptMismatch,
			t.Name(), utxo.OutPoint)
	}

	outpoint := utxo.OutPoint
	txIn := wire.NewTxIn(&outpoint, nil, nil)

	return txIn, &psbt.PInput{}, nil
}

// addDerivation attaches the optional derivation to a PSBT input.
func addDerivation(in *psbt.PInput, pubKey *btcec.PublicKey,
	cfg *encodeConfig, taproot bool) {

	cfg.derivation.WhenSome(func(d psbt.Bip32Derivation) {
		d.PubKey = pubKey.SerializeCompressed()
		in.Bip32Derivation = []*psbt.Bip32Derivation{&d}

		if taproot {
			in.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
				XOnlyPubKey:          schnorr.SerializePubKey(pubKey),
				MasterKeyFingerprint: d.MasterKeyFingerprint,
				Bip32Path:            d.Bip32Path,
			}}
		}
	})
}
