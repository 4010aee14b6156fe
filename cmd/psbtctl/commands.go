// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/jessevdk/go-flags"
	"github.com/psbtkit/psbtkit/chain"
	"github.com/psbtkit/psbtkit/pkg/btcunit"
	"github.com/psbtkit/psbtkit/wallet"
	"github.com/psbtkit/psbtkit/wallet/addrtype"
	"github.com/psbtkit/psbtkit/wallet/signer"
)

// accountName is the name of the single account the commands register.
const accountName = "default"

var (
	// errInvalidDestination is returned for a malformed --to value.
	errInvalidDestination = errors.New("destination must be " +
		"address:satoshis")

	// errWrongKeyNetwork is returned for a WIF key of another network.
	errWrongKeyNetwork = errors.New("key is for a different network")

	// errMissingPsbt is returned when neither an argument nor stdin
	// holds a PSBT.
	errMissingPsbt = errors.New("no psbt given")
)

// keyOptions selects the software key of the account.
type keyOptions struct {
	Key      string `long:"key" description:"WIF private key of the account" required:"true"`
	AddrType string `long:"addrtype" description:"Address type of the account" default:"native-segwit" choice:"legacy" choice:"native-segwit" choice:"nested-segwit" choice:"taproot"`
}

// openWallet creates a wallet on the configured network with the account of
// opts registered. Previous transactions in rawTxs are used for legacy
// inputs.
func openWallet(cfg *config, opts *keyOptions,
	rawTxs []string) (*wallet.Wallet, error) {

	txs := chain.NewMemSource()
	for i, rawTx := range rawTxs {
		tx, err := decodeTx(rawTx)
		if err != nil {
			return nil, fmt.Errorf("rawtx %d: %w", i, err)
		}

		txs.AddTx(tx)
	}

	walletCfg := wallet.DefaultConfig(cfg.params)
	walletCfg.Txs = txs

	w, err := wallet.New(walletCfg)
	if err != nil {
		return nil, err
	}

	wif, err := btcutil.DecodeWIF(opts.Key)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}

	if !wif.IsForNet(cfg.params) {
		return nil, fmt.Errorf("%w: want %s", errWrongKeyNetwork,
			cfg.params.Name)
	}

	addrType, err := addrtype.Parse(opts.AddrType)
	if err != nil {
		return nil, err
	}

	account := wallet.Account{
		Name:     accountName,
		Kind:     wallet.KindSoftware,
		AddrType: addrType,
		PubKey:   wif.PrivKey.PubKey(),
	}

	err = w.RegisterAccount(
		account, signer.NewSoftwareBackend(wif.PrivKey, addrType),
	)
	if err != nil {
		return nil, err
	}

	return w, nil
}

// decodeTx parses a hex serialized transaction.
func decodeTx(rawTx string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawTx))
	if err != nil {
		return nil, err
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	return tx, nil
}

// parseDestination parses an "address:satoshis" pair.
func parseDestination(dest string) (wallet.OutputSpec, error) {
	sep := strings.LastIndex(dest, ":")
	if sep <= 0 || sep == len(dest)-1 {
		return wallet.OutputSpec{}, fmt.Errorf("%w: %q",
			errInvalidDestination, dest)
	}

	value, err := strconv.ParseInt(dest[sep+1:], 10, 64)
	if err != nil || value <= 0 {
		return wallet.OutputSpec{}, fmt.Errorf("%w: %q",
			errInvalidDestination, dest)
	}

	return wallet.OutputSpec{
		Address: dest[:sep],
		Value:   btcutil.Amount(value),
	}, nil
}

// loadUtxos reads a listunspent JSON array.
func loadUtxos(r io.Reader, cfg *config) ([]chain.UnspentOutput, error) {
	var results []btcjson.ListUnspentResult
	if err := json.NewDecoder(r).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode listunspent: %w", err)
	}

	utxos := make([]chain.UnspentOutput, 0, len(results))
	for i := range results {
		utxo, err := chain.FromListUnspent(&results[i], cfg.params)
		if err != nil {
			return nil, err
		}

		utxos = append(utxos, *utxo)
	}

	return utxos, nil
}

// readPsbt returns the PSBT passed as the only argument, or read from in
// when there is none or it is "-".
func readPsbt(args []string, in io.Reader) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		return strings.TrimSpace(args[0]), nil
	}

	raw, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}

	psbtHex := strings.TrimSpace(string(raw))
	if psbtHex == "" {
		return "", errMissingPsbt
	}

	return psbtHex, nil
}

// buildCommand creates an unsigned PSBT funded by the account.
type buildCommand struct {
	cfg *config
	out io.Writer

	keyOptions

	Utxos             string   `long:"utxos" description:"File with the listunspent JSON of the spendable coins" required:"true"`
	RawTxs            []string `long:"rawtx" description:"Hex of a previous transaction, needed for legacy coins (repeatable)"`
	To                []string `long:"to" description:"Destination as address:satoshis (repeatable)" required:"true"`
	FeeRate           int64    `long:"feerate" description:"Fee rate in sat/vbyte" default:"1"`
	AllowInscriptions bool     `long:"allowinscriptions" description:"Allow spending coins carrying inscriptions"`
}

// Execute implements flags.Commander.
func (c *buildCommand) Execute(_ []string) error {
	w, err := openWallet(c.cfg, &c.keyOptions, c.RawTxs)
	if err != nil {
		return err
	}

	f, err := os.Open(cleanAndExpandPath(c.Utxos))
	if err != nil {
		return err
	}
	defer f.Close()

	utxos, err := loadUtxos(f, c.cfg)
	if err != nil {
		return err
	}

	outputs := make([]wallet.OutputSpec, 0, len(c.To))
	for _, dest := range c.To {
		output, err := parseDestination(dest)
		if err != nil {
			return err
		}

		outputs = append(outputs, output)
	}

	feeRate := btcunit.NewSatPerVByte(btcutil.Amount(c.FeeRate))
	psbtHex, err := w.BuildTransaction(context.Background(),
		&wallet.BuildRequest{
			AccountName:       accountName,
			Outputs:           outputs,
			FeeRate:           feeRate,
			Source:            &wallet.CoinSourceUTXOs{UTXOs: utxos},
			AllowInscriptions: c.AllowInscriptions,
		},
	)
	if err != nil {
		return err
	}

	log.Infof("Built psbt spending from %d candidate coins", len(utxos))
	_, err = fmt.Fprintln(c.out, psbtHex)

	return err
}

// signCommand signs the inputs of a PSBT locked to the account.
type signCommand struct {
	cfg *config
	in  io.Reader
	out io.Writer

	keyOptions

	Finalize bool `long:"finalize" description:"Finalize the inputs after signing"`
}

// Execute implements flags.Commander.
func (c *signCommand) Execute(args []string) error {
	psbtHex, err := readPsbt(args, c.in)
	if err != nil {
		return err
	}

	w, err := openWallet(c.cfg, &c.keyOptions, nil)
	if err != nil {
		return err
	}

	signed, err := w.SignPsbt(
		context.Background(), accountName, psbtHex, nil, c.Finalize,
	)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(c.out, signed)

	return err
}

// finalizeCommand finalizes a fully signed PSBT.
type finalizeCommand struct {
	cfg *config
	in  io.Reader
	out io.Writer

	Extract bool `long:"extract" description:"Print the network transaction instead of the PSBT"`
}

// Execute implements flags.Commander.
func (c *finalizeCommand) Execute(args []string) error {
	psbtHex, err := readPsbt(args, c.in)
	if err != nil {
		return err
	}

	w, err := wallet.New(wallet.DefaultConfig(c.cfg.params))
	if err != nil {
		return err
	}

	final, err := w.FinalizePsbt(psbtHex)
	if err != nil {
		return err
	}

	if c.Extract {
		final, err = w.ExtractTx(final)
		if err != nil {
			return err
		}
	}

	_, err = fmt.Fprintln(c.out, final)

	return err
}

// decodedInput is the summary of a PSBT input.
type decodedInput struct {
	OutPoint  string `json:"outpoint"`
	Value     int64  `json:"value,omitempty"`
	Type      string `json:"type,omitempty"`
	PartSigs  int    `json:"partial_sigs"`
	Finalized bool   `json:"finalized"`
}

// decodedOutput is the summary of a PSBT output.
type decodedOutput struct {
	Value   int64  `json:"value"`
	Address string `json:"address,omitempty"`
	Script  string `json:"script"`
}

// decodedPsbt is the summary printed by the decode command.
type decodedPsbt struct {
	TxID     string          `json:"txid"`
	Inputs   []decodedInput  `json:"inputs"`
	Outputs  []decodedOutput `json:"outputs"`
	Fee      int64           `json:"fee,omitempty"`
	Complete bool            `json:"complete"`
}

// decodeCommand prints a JSON summary of a PSBT.
type decodeCommand struct {
	cfg *config
	in  io.Reader
	out io.Writer
}

// Execute implements flags.Commander.
func (c *decodeCommand) Execute(args []string) error {
	psbtHex, err := readPsbt(args, c.in)
	if err != nil {
		return err
	}

	packet, err := wallet.DecodePsbt(psbtHex)
	if err != nil {
		return err
	}

	tx := packet.UnsignedTx
	decoded := decodedPsbt{
		TxID:     tx.TxHash().String(),
		Complete: packet.IsComplete(),
	}

	for i, txIn := range tx.TxIn {
		in := &packet.Inputs[i]
		input := decodedInput{
			OutPoint:  txIn.PreviousOutPoint.String(),
			PartSigs:  len(in.PartialSigs),
			Finalized: signer.IsFinalized(in),
		}

		if spent := signer.SpentOutput(txIn, in); spent != nil {
			input.Value = spent.Value
			if addrType, err := addrtype.FromScript(
				spent.PkScript,
			); err == nil {
				input.Type = addrType.Name()
			}
		}

		decoded.Inputs = append(decoded.Inputs, input)
	}

	for _, txOut := range tx.TxOut {
		output := decodedOutput{
			Value:  txOut.Value,
			Script: hex.EncodeToString(txOut.PkScript),
		}

		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			txOut.PkScript, c.cfg.params,
		)
		if err == nil && len(addrs) == 1 {
			output.Address = addrs[0].EncodeAddress()
		}

		decoded.Outputs = append(decoded.Outputs, output)
	}

	if fee, err := packet.GetTxFee(); err == nil {
		decoded.Fee = int64(fee)
	}

	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")

	return enc.Encode(decoded)
}

// keysCommand lists or forgets the cached public keys of a hardware device.
type keysCommand struct {
	cfg *config
	out io.Writer

	Forget bool `long:"forget" description:"Delete every cached key"`
}

// Execute implements flags.Commander.
func (c *keysCommand) Execute(_ []string) error {
	cache, err := wallet.OpenKeyCache(c.cfg.keyCacheDir(), 0)
	if err != nil {
		return err
	}
	defer cache.Close()

	if c.Forget {
		return cache.DeletePubKeys()
	}

	entries, err := cache.LoadPubKeys()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		_, err := fmt.Fprintf(c.out, "m/%v %x\n", entry.Key,
			entry.PubKey)
		if err != nil {
			return err
		}
	}

	return nil
}

// registerCommands adds every command to the parser.
func registerCommands(parser *flags.Parser, cfg *config, in io.Reader,
	out io.Writer) error {

	commands := []struct {
		name, short, long string
		data              any
	}{
		{
			name:  "build",
			short: "Create an unsigned PSBT",
			long: "Select coins from the listunspent file and " +
				"create an unsigned PSBT paying the " +
				"destinations with change back to the account",
			data: &buildCommand{cfg: cfg, out: out},
		},
		{
			name:  "sign",
			short: "Sign a PSBT with a software key",
			long: "Sign every input of the PSBT that is locked " +
				"to the key",
			data: &signCommand{cfg: cfg, in: in, out: out},
		},
		{
			name:  "finalize",
			short: "Finalize a signed PSBT",
			long: "Finalize every input that is not final yet " +
				"and optionally extract the transaction",
			data: &finalizeCommand{cfg: cfg, in: in, out: out},
		},
		{
			name:  "decode",
			short: "Show the contents of a PSBT",
			long:  "Print a JSON summary of the inputs and outputs",
			data:  &decodeCommand{cfg: cfg, in: in, out: out},
		},
		{
			name:  "keys",
			short: "Manage the device key cache",
			long: "List the public keys derived by a hardware " +
				"device, or forget them",
			data: &keysCommand{cfg: cfg, out: out},
		},
	}

	for _, cmd := range commands {
		_, err := parser.AddCommand(
			cmd.name, cmd.short, cmd.long, cmd.data,
		)
		if err != nil {
			return err
		}
	}

	return nil
}
