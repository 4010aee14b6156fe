// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/psbtkit/psbtkit/pkg/btcunit"
	"github.com/psbtkit/psbtkit/wallet/signer"
)

var (
	// ErrNilBuildRequest is returned when a nil BuildRequest is provided.
	ErrNilBuildRequest = errors.New("nil BuildRequest")

	// ErrInvalidOutput is returned when an output names neither an
	// address nor a script, or names both.
	ErrInvalidOutput = errors.New("invalid output")

	// ErrWrongNetwork is returned when an output address belongs to a
	// different network than the wallet.
	ErrWrongNetwork = errors.New("address is for a different network")
)

// OutputSpec is a destination of a BuildRequest. Exactly one of Address and
// PkScript must be set.
type OutputSpec struct {
	// Address is the encoded destination address.
	Address string

	// PkScript is a raw destination script.
	PkScript []byte

	// Value is the amount paid to the destination.
	Value btcutil.Amount
}

// BuildRequest describes a transaction funded by a registered account.
type BuildRequest struct {
	// AccountName names the funding account. Change is paid back to it.
	AccountName string

	// Outputs are the destinations of the transaction.
	Outputs []OutputSpec

	// FeeRate is the target fee rate.
	FeeRate btcunit.SatPerVByte

	// MustSpend lists coins that are always spent.
	MustSpend []SpendInput

	// Source is the pool of coins. The account address is used if nil.
	Source CoinSource

	// Strategy orders the pool. CoinSelectionLargest is used if nil.
	Strategy CoinSelectionStrategy

	// AllowInscriptions lets the pool spend coins with inscriptions.
	AllowInscriptions bool
}

// PsbtManager is the hex facade over transaction creation and signing. Every
// PSBT crossing it is a hex string of the BIP174 binary format.
//
// The typical flow for a single account is:
//
//	psbtHex, err := w.BuildTransaction(ctx, &wallet.BuildRequest{
//		AccountName: "main",
//		Outputs: []wallet.OutputSpec{{
//			Address: "bc1q...",
//			Value:   40_000,
//		}},
//		FeeRate: btcunit.NewSatPerVByte(5),
//	})
//
//	signedHex, err := w.SignPsbt(ctx, "main", psbtHex, nil, true)
//
//	txHex, err := w.ExtractTx(signedHex)
//
// Collaborative flows sign copies of one PSBT on several accounts without
// finalizing, merge them with CombinePsbt and finalize the result.
type PsbtManager interface {
	// BuildTransaction selects coins of the account and returns the
	// unsigned PSBT.
	BuildTransaction(ctx context.Context, req *BuildRequest) (string,
		error)

	// SignPsbt signs the given inputs with the backend of the account.
	// If inputs is nil, every input locked to the account key is
	// signed.
	SignPsbt(ctx context.Context, accountName, psbtHex string,
		inputs []signer.InputForSigning, autoFinalize bool) (string,
		error)

	// FinalizePsbt finalizes every input that is not final yet.
	FinalizePsbt(psbtHex string) (string, error)

	// ExtractTx returns the hex of the network transaction of a complete
	// PSBT.
	ExtractTx(psbtHex string) (string, error)

	// CombinePsbt merges PSBTs of the same transaction as the Combiner
	// role of BIP 174.
	CombinePsbt(psbtHexes ...string) (string, error)
}

// A compile time check to ensure that Wallet implements the interface.
var _ PsbtManager = (*Wallet)(nil)

// BuildTransaction selects coins of the account and returns the unsigned
// PSBT as hex.
func (w *Wallet) BuildTransaction(ctx context.Context,
	req *BuildRequest) (string, error) {

	if req == nil {
		return "", ErrNilBuildRequest
	}

	account, err := w.GetAccount(req.AccountName)
	if err != nil {
		return "", err
	}

	outputs := make([]wire.TxOut, 0, len(req.Outputs))
	for i, spec := range req.Outputs {
		pkScript, err := w.outputScript(spec)
		if err != nil {
			return "", fmt.Errorf("output %d: %w", i, err)
		}

		outputs = append(outputs, wire.TxOut{
			Value:    int64(spec.Value),
			PkScript: pkScript,
		})
	}

	authored, err := w.CreateTransaction(ctx, &TxIntent{
		Outputs: outputs,
		Inputs: &InputsPolicy{
			Strategy:          req.Strategy,
			MustSpend:         req.MustSpend,
			Source:            req.Source,
			AllowInscriptions: req.AllowInscriptions,
		},
		Sender:  account.Sender(),
		FeeRate: req.FeeRate,
	})
	if err != nil {
		return "", err
	}

	return EncodePsbt(authored.Packet)
}

// outputScript resolves the destination script of spec.
func (w *Wallet) outputScript(spec OutputSpec) ([]byte, error) {
	switch {
	case spec.Address != "" && len(spec.PkScript) > 0:
		return nil, fmt.Errorf("%w: both address and script set",
			ErrInvalidOutput)

	case len(spec.PkScript) > 0:
		return spec.PkScript, nil

	case spec.Address == "":
		return nil, fmt.Errorf("%w: no address or script",
			ErrInvalidOutput)
	}

	addr, err := btcutil.DecodeAddress(spec.Address, w.cfg.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOutput, err)
	}

	if !addr.IsForNet(w.cfg.ChainParams) {
		return nil, fmt.Errorf("%w: %s is not a %s address",
			ErrWrongNetwork, spec.Address, w.cfg.ChainParams.Name)
	}

	return txscript.PayToAddrScript(addr)
}

// SignPsbt signs inputs of the PSBT with the backend of the named account and
// returns the updated PSBT. Signatures already present are kept.
func (w *Wallet) SignPsbt(ctx context.Context, accountName, psbtHex string,
	inputs []signer.InputForSigning, autoFinalize bool) (string, error) {

	entry, err := w.account(accountName)
	if err != nil {
		return "", err
	}

	packet, err := DecodePsbt(psbtHex)
	if err != nil {
		return "", err
	}

	if inputs == nil {
		inputs, err = signer.InferInputs(packet, entry.account.PubKey)
		if err != nil {
			return "", err
		}
	}

	result, err := entry.backend.Sign(ctx, packet, inputs, autoFinalize)
	if err != nil {
		return "", err
	}

	log.Debugf("Account %s signed inputs %v", accountName,
		result.SignedInputs)

	return EncodePsbt(result.Packet)
}

// FinalizePsbt finalizes every input that is not final yet and returns the
// complete PSBT.
func (w *Wallet) FinalizePsbt(psbtHex string) (string, error) {
	packet, err := DecodePsbt(psbtHex)
	if err != nil {
		return "", err
	}

	if _, err := finalizePacket(packet); err != nil {
		return "", err
	}

	return EncodePsbt(packet)
}

// ExtractTx returns the serialized network transaction of a complete PSBT.
func (w *Wallet) ExtractTx(psbtHex string) (string, error) {
	packet, err := DecodePsbt(psbtHex)
	if err != nil {
		return "", err
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

// CombinePsbt merges PSBTs of the same transaction.
func (w *Wallet) CombinePsbt(psbtHexes ...string) (string, error) {
	packets := make([]*psbt.Packet, 0, len(psbtHexes))
	for i, psbtHex := range psbtHexes {
		packet, err := DecodePsbt(psbtHex)
		if err != nil {
			return "", fmt.Errorf("psbt %d: %w", i, err)
		}

		packets = append(packets, packet)
	}

	combined, err := combinePackets(packets...)
	if err != nil {
		return "", err
	}

	return EncodePsbt(combined)
}
