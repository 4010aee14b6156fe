// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hwsigner

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ConnectMode selects the physical link to the device.
type ConnectMode uint8

const (
	// ModeUSB connects over USB HID.
	ModeUSB ConnectMode = iota

	// ModeBluetooth connects over Bluetooth low energy.
	ModeBluetooth
)

// String returns the name of the mode.
func (m ConnectMode) String() string {
	switch m {
	case ModeUSB:
		return "usb"

	case ModeBluetooth:
		return "bluetooth"

	default:
		return "unknown"
	}
}

// AddressFormat is the address encoding the device derives keys for.
type AddressFormat uint8

const (
	// FormatLegacy is P2PKH.
	FormatLegacy AddressFormat = iota

	// FormatP2SH is P2WPKH nested in P2SH.
	FormatP2SH

	// FormatBech32 is P2WPKH.
	FormatBech32

	// FormatBech32m is P2TR.
	FormatBech32m
)

// String returns the name of the format.
func (f AddressFormat) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"

	case FormatP2SH:
		return "p2sh"

	case FormatBech32:
		return "bech32"

	case FormatBech32m:
		return "bech32m"

	default:
		return "unknown"
	}
}

// segwit returns whether inputs of the format are signed with a witness.
func (f AddressFormat) segwit() bool {
	return f != FormatLegacy
}

// AppStatus describes the application open on the device.
type AppStatus struct {
	// Name is the application name, for example "Bitcoin Test".
	Name string

	// Version is the application version without a leading "v".
	Version string
}

// PubKeyOptions tunes a public key request.
type PubKeyOptions struct {
	// Verify asks the device to show the address on its screen.
	Verify bool

	// Format is the address format the key is derived for.
	Format AddressFormat
}

// WalletPublicKey is the device answer to a public key request.
type WalletPublicKey struct {
	// PublicKey is the serialized key. Devices may answer with either the
	// compressed or the uncompressed encoding.
	PublicKey []byte

	// Address is the address of the key in the requested format.
	Address string

	// ChainCode is the BIP32 chain code of the key.
	ChainCode []byte
}

// TrustedInput is an input of a signing request together with the full
// transaction that created the spent output.
type TrustedInput struct {
	// PrevTx is the transaction creating the spent output.
	PrevTx *wire.MsgTx

	// Index is the output index in PrevTx.
	Index uint32

	// Sequence is the sequence of the spending input.
	Sequence uint32
}

// SignRequest is a complete transaction signing request. The device signs
// every input listed in Paths and answers with one signature each.
type SignRequest struct {
	// Version is the version of the transaction.
	Version int32

	// LockTime is the lock time of the transaction.
	LockTime uint32

	// Inputs lists every input of the transaction in order.
	Inputs []TrustedInput

	// Paths maps the index of each input to sign to its derivation path.
	Paths map[int]string

	// Outputs is the serialized output list of the transaction.
	Outputs []byte

	// Format is the address format of the signed inputs.
	Format AddressFormat

	// Segwit tells the device to sign the inputs with a witness.
	Segwit bool

	// SigHashType is the sighash type of every signature.
	SigHashType txscript.SigHashType
}

// InputSignature is one signature of a signing answer.
type InputSignature struct {
	// Index is the input the signature belongs to.
	Index int

	// Signature is a DER signature with the sighash byte appended, or a
	// 64 or 65 byte schnorr signature for taproot inputs.
	Signature []byte

	// PubKey is the signing key if the device reports it.
	PubKey []byte
}

// Transport is the message channel to a hardware device application. Errors
// wrapping ErrTransportClosed or ErrTransportIO and *StatusError answers are
// classified by the session manager; anything else is returned verbatim.
type Transport interface {
	// Connect opens the link to the device.
	Connect(ctx context.Context, mode ConnectMode) error

	// Disconnect closes the link. Closing a closed link is not an error.
	// Calls blocked on the device must return once the link is closed.
	Disconnect() error

	// GetStatus returns the application open on the device.
	GetStatus(ctx context.Context) (AppStatus, error)

	// GetWalletPublicKey derives the public key at path.
	GetWalletPublicKey(ctx context.Context, path string,
		opts PubKeyOptions) (*WalletPublicKey, error)

	// SignTransaction signs the inputs of the request.
	SignTransaction(ctx context.Context, req *SignRequest) (
		[]InputSignature, error)

	// SignMessage signs text with the key at path and returns a 65 byte
	// compact recoverable signature.
	SignMessage(ctx context.Context, path, text string) ([]byte, error)
}

// AppName returns the name of the device application required for params.
func AppName(params *chaincfg.Params) string {
	if params.Net == wire.MainNet {
		return "Bitcoin"
	}

	return "Bitcoin Test"
}
