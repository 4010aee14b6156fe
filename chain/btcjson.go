// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// FromListUnspent converts a `listunspent` RPC result into an UnspentOutput.
// The address, when present, must belong to the given network.
func FromListUnspent(res *btcjson.ListUnspentResult,
	params *chaincfg.Params) (*UnspentOutput, error) {

	txid, err := chainhash.NewHashFromStr(res.TxID)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", res.TxID, err)
	}

	pkScript, err := hex.DecodeString(res.ScriptPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid script of %s:%d: %w", res.TxID,
			res.Vout, err)
	}

	value, err := btcutil.NewAmount(res.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount of %s:%d: %w", res.TxID,
			res.Vout, err)
	}

	utxo := &UnspentOutput{
		OutPoint: *wire.NewOutPoint(txid, res.Vout),
		Value:    value,
		PkScript: pkScript,
	}

	if res.Address != "" {
		utxo.Address, err = btcutil.DecodeAddress(res.Address, params)
		if err != nil {
			return nil, fmt.Errorf("invalid address of %s:%d: %w",
				res.TxID, res.Vout, err)
		}
	}

	if err := utxo.Validate(); err != nil {
		return nil, err
	}

	return utxo, nil
}
