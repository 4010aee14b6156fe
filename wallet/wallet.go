// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet builds partially signed bitcoin transactions and hands them
// to the signing backend of the account that owns the spent outputs.
//
// A transaction is described by a TxIntent. The wallet selects coins for it
// greedily, sizes the fee of every candidate selection by signing a throwaway
// copy of the transaction, and returns the resulting PSBT. Accounts registered
// on the wallet declare whether their keys live in memory or on a hardware
// device, and SignPsbt dispatches to the matching backend.
package wallet

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/psbtkit/psbtkit/chain"
	"github.com/psbtkit/psbtkit/pkg/btcunit"
)

var (
	// ErrMissingChainParams is returned when a wallet is created without
	// chain parameters.
	ErrMissingChainParams = errors.New("missing chain params")

	// ErrMissingUtxoSource is returned when coins must be looked up but
	// no UtxoSource is configured.
	ErrMissingUtxoSource = errors.New("missing utxo source")
)

// Config holds the collaborators and policy of a Wallet.
type Config struct {
	// ChainParams is the network the wallet operates on.
	ChainParams *chaincfg.Params

	// Utxos supplies the spendable outputs of an address. It is only
	// needed when coins are selected from an address.
	Utxos chain.UtxoSource

	// Txs supplies previous transactions of legacy outputs that were
	// handed in without one. Optional.
	Txs chain.TxSource

	// MaxFeeRate is the largest fee rate accepted in a TxIntent.
	MaxFeeRate btcunit.SatPerVByte

	// Simulator sizes the fee of candidate transactions.
	Simulator *FeeSimulator
}

// DefaultConfig returns a config for the given network with the default
// policy and no collaborators.
func DefaultConfig(params *chaincfg.Params) Config {
	return Config{
		ChainParams: params,
		MaxFeeRate:  DefaultMaxFeeRate,
		Simulator:   NewFeeSimulator(),
	}
}

// Wallet creates and signs transactions for its registered accounts. It is
// safe for concurrent use.
type Wallet struct {
	cfg Config

	// accountsMtx guards accounts.
	accountsMtx sync.RWMutex

	// accounts maps an account name to the account and its backend.
	accounts map[string]*accountEntry
}

// New creates a wallet. Zero values of the policy fields of cfg are replaced
// by their defaults.
func New(cfg Config) (*Wallet, error) {
	if cfg.ChainParams == nil {
		return nil, ErrMissingChainParams
	}

	if cfg.MaxFeeRate.LessThanOrEqual(btcunit.ZeroSatPerVByte) {
		cfg.MaxFeeRate = DefaultMaxFeeRate
	}

	if cfg.Simulator == nil {
		cfg.Simulator = NewFeeSimulator()
	}

	return &Wallet{
		cfg:      cfg,
		accounts: make(map[string]*accountEntry),
	}, nil
}

// ChainParams returns the network of the wallet.
func (w *Wallet) ChainParams() *chaincfg.Params {
	return w.cfg.ChainParams
}
