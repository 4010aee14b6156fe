// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain defines the boundary between the transaction engine and the
// outside world: where spendable outputs and previous transactions come from.
// The engine never talks to a node directly, it only consumes these
// interfaces.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrZeroValue is returned when an unspent output has no value.
	ErrZeroValue = errors.New("unspent output value must be positive")

	// ErrEmptyPkScript is returned when an unspent output has no locking
	// script.
	ErrEmptyPkScript = errors.New("unspent output has empty pk script")

	// ErrTxNotFound is returned by a TxSource that does not know the
	// requested transaction.
	ErrTxNotFound = errors.New("transaction not found")
)

// UnspentOutput is a spendable output together with everything needed to
// spend it without further lookups.
type UnspentOutput struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Value is the amount locked in the output.
	Value btcutil.Amount

	// PkScript is the locking script of the output.
	PkScript []byte

	// Address is the owning address, if known.
	Address btcutil.Address

	// Inscriptions lists the ids of any non-fungible markers attached to
	// this output. Such an output is never spent as plain currency
	// unless the caller explicitly asks for it.
	Inscriptions []string

	// PrevTx is the full transaction that created the output. It is
	// required to spend legacy outputs and optional otherwise.
	PrevTx *wire.MsgTx
}

// Validate checks the validity rules of an unspent output.
func (u *UnspentOutput) Validate() error {
	if u.Value <= 0 {
		return fmt.Errorf("%w: %v has value %v", ErrZeroValue,
			u.OutPoint, u.Value)
	}

	if len(u.PkScript) == 0 {
		return fmt.Errorf("%w: %v", ErrEmptyPkScript, u.OutPoint)
	}

	return nil
}

// HasInscriptions returns true if the output carries any inscription.
func (u *UnspentOutput) HasInscriptions() bool {
	return len(u.Inscriptions) > 0
}

// TxOut returns the output as a wire.TxOut.
func (u *UnspentOutput) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(u.Value), u.PkScript)
}

// UtxoSource supplies the spendable outputs of an address. The returned
// outputs are treated as already validated.
type UtxoSource interface {
	// ListUnspent returns the unspent outputs locked to addr.
	ListUnspent(ctx context.Context, addr btcutil.Address) (
		[]UnspentOutput, error)
}

// TxSource supplies full transactions by id. It is used to attach previous
// transactions to legacy inputs and to hardware signing requests.
type TxSource interface {
	// FetchTx returns the transaction with the given id, or an error
	// wrapping ErrTxNotFound.
	FetchTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
}

// MemSource is an in-memory UtxoSource and TxSource. It is safe for
// concurrent use.
type MemSource struct {
	mu      sync.RWMutex
	utxos   map[string][]UnspentOutput
	txns    map[chainhash.Hash]*wire.MsgTx
	fetches int
}

// A compile time check to ensure MemSource implements both interfaces.
var (
	_ UtxoSource = (*MemSource)(nil)
	_ TxSource   = (*MemSource)(nil)
)

// NewMemSource creates an empty MemSource.
func NewMemSource() *MemSource {
	return &MemSource{
		utxos: make(map[string][]UnspentOutput),
		txns:  make(map[chainhash.Hash]*wire.MsgTx),
	}
}

// AddTx stores a transaction and registers each of its outputs paying to one
// of addrs as unspent.
func (m *MemSource) AddTx(tx *wire.MsgTx, addrs ...btcutil.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txid := tx.TxHash()
	m.txns[txid] = tx

	for _, addr := range addrs {
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			continue
		}

		for idx, out := range tx.TxOut {
			if string(out.PkScript) != string(script) {
				continue
			}

			key := addr.EncodeAddress()
			m.utxos[key] = append(m.utxos[key], UnspentOutput{
				OutPoint: wire.OutPoint{
					Hash:  txid,
					Index: uint32(idx),
				},
				Value:    btcutil.Amount(out.Value),
				PkScript: out.PkScript,
				Address:  addr,
				PrevTx:   tx,
			})
		}
	}
}

// AddUnspent registers a bare unspent output for addr.
func (m *MemSource) AddUnspent(addr btcutil.Address, utxo UnspentOutput) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := addr.EncodeAddress()
	m.utxos[key] = append(m.utxos[key], utxo)
}

// ListUnspent returns the unspent outputs of addr sorted by descending value.
func (m *MemSource) ListUnspent(_ context.Context,
	addr btcutil.Address) ([]UnspentOutput, error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	utxos := append([]UnspentOutput(nil), m.utxos[addr.EncodeAddress()]...)
	sort.SliceStable(utxos, func(i, j int) bool {
		return utxos[i].Value > utxos[j].Value
	})

	return utxos, nil
}

// FetchTx returns a stored transaction.
func (m *MemSource) FetchTx(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++

	tx, ok := m.txns[txid]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)
	}

	return tx, nil
}

// Fetches returns how many times FetchTx has been called.
func (m *MemSource) Fetches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.fetches
}
