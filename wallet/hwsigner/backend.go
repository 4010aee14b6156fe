// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package hwsigner signs PSBTs on an external hardware device. It resolves
// the derivation path of every key to sign for, submits the transaction to
// the device and splices the returned signatures back into the packet.
//
// The device signs inputs of one address format per request. A transaction
// whose device inputs share one format is signed in a single request. A
// transaction mixing formats, for example legacy and taproot inputs, is
// submitted once per format, and the user confirms it on the device each
// time.
package hwsigner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/psbtkit/psbtkit/chain"
	"github.com/psbtkit/psbtkit/wallet/addrtype"
	"github.com/psbtkit/psbtkit/wallet/signer"
	"golang.org/x/mod/semver"
)

const (
	// DefaultScanLimit is the highest child index probed below each root
	// when looking up the path of a key.
	DefaultScanLimit uint32 = 50

	// MinTaprootVersion is the first device app version able to sign
	// taproot inputs.
	MinTaprootVersion = "v2.0.0"
)

// ErrInvalidConfig is returned by New for an unusable configuration.
var ErrInvalidConfig = errors.New("invalid hardware signer config")

// Config holds the collaborators and tunables of a Backend.
type Config struct {
	// ChainParams selects the coin type of derivation paths and the
	// device application.
	ChainParams *chaincfg.Params

	// Transport talks to the device.
	Transport Transport

	// Mode is the link used when connecting.
	Mode ConnectMode

	// Clock times the retry backoff.
	Clock clock.Clock

	// Backoff lists the waits between attempts of a failing request.
	Backoff []time.Duration

	// Timeout bounds requests that need no user interaction.
	Timeout time.Duration

	// ScanLimit is the highest child index probed below each root.
	ScanLimit uint32

	// Roots are the parent paths probed when looking up a key.
	Roots []string

	// Txs supplies previous transactions missing from the packet.
	Txs chain.TxSource

	// Store persists derived keys. It is optional.
	Store CacheStore
}

// DefaultConfig returns a config with the default tunables.
func DefaultConfig(params *chaincfg.Params, transport Transport) Config {
	return Config{
		ChainParams: params,
		Transport:   transport,
		Mode:        ModeUSB,
		Clock:       clock.NewDefaultClock(),
		Backoff:     DefaultBackoff,
		Timeout:     DefaultTimeout,
		ScanLimit:   DefaultScanLimit,
		Roots:       DefaultRoots(params),
	}
}

// account is the key the backend signs messages with.
type account struct {
	key    PathKey
	pubKey *btcec.PublicKey
}

// plannedInput is an input to sign together with its derivation.
type plannedInput struct {
	input  signer.InputForSigning
	key    PathKey
	format AddressFormat
}

// Backend is a signer.SigningBackend backed by a hardware device.
type Backend struct {
	cfg      Config
	appName  string
	roots    []string
	sessions *SessionManager
	pubKeys  *PubKeyCache
	prevTxs  *prevTxCache
	account  atomic.Pointer[account]
}

// A compile time check to ensure Backend implements the interface.
var _ signer.SigningBackend = (*Backend)(nil)

// New creates a backend. Keys persisted in the store are loaded into the
// cache. Nothing is sent to the device until Connect is called.
func New(cfg Config) (*Backend, error) {
	if cfg.ChainParams == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("%w: chain params and transport are "+
			"required", ErrInvalidConfig)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ScanLimit == 0 {
		cfg.ScanLimit = DefaultScanLimit
	}
	if cfg.Roots == nil {
		cfg.Roots = DefaultRoots(cfg.ChainParams)
	}

	roots := make([]string, 0, len(cfg.Roots))
	for _, root := range cfg.Roots {
		normalized, err := normalizeRoot(root, cfg.ChainParams)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}

		if !slices.Contains(roots, normalized) {
			roots = append(roots, normalized)
		}
	}

	appName := AppName(cfg.ChainParams)
	b := &Backend{
		cfg:     cfg,
		appName: appName,
		roots:   roots,
		sessions: NewSessionManager(
			cfg.Transport, cfg.Clock, cfg.Backoff, appName,
		),
		pubKeys: NewPubKeyCache(),
		prevTxs: newPrevTxCache(cfg.Txs),
	}

	if cfg.Store != nil {
		entries, err := cfg.Store.LoadPubKeys()
		if err != nil {
			return nil, fmt.Errorf("load cached keys: %w", err)
		}

		for _, entry := range entries {
			b.pubKeys.Put(entry.Key, entry.PubKey)
		}

		log.Debugf("Loaded %d cached device keys", len(entries))
	}

	return b, nil
}

// Connect opens the session to the device.
func (b *Backend) Connect(ctx context.Context) error {
	return b.sessions.Connect(ctx, b.cfg.Mode)
}

// Disconnect closes the session to the device.
func (b *Backend) Disconnect() error {
	return b.sessions.Disconnect()
}

// State returns the session state.
func (b *Backend) State() ConnState {
	return b.sessions.State()
}

// GetPublicKey returns the key derived at path. The coin type of the path is
// rewritten for the configured network.
func (b *Backend) GetPublicKey(ctx context.Context,
	path string) (*btcec.PublicKey, error) {

	key, err := pathKeyOf(path, b.cfg.ChainParams)
	if err != nil {
		return nil, err
	}

	return b.derive(ctx, key)
}

// LoadAccount derives the key at path and makes it the account key the
// backend reports and signs messages with.
func (b *Backend) LoadAccount(ctx context.Context,
	path string) (*btcec.PublicKey, error) {

	key, err := pathKeyOf(path, b.cfg.ChainParams)
	if err != nil {
		return nil, err
	}

	pubKey, err := b.derive(ctx, key)
	if err != nil {
		return nil, err
	}

	b.account.Store(&account{key: key, pubKey: pubKey})

	log.Infof("Loaded hardware account %v", key)

	return pubKey, nil
}

// PubKey returns the account key, or nil before LoadAccount.
func (b *Backend) PubKey() *btcec.PublicKey {
	acc := b.account.Load()
	if acc == nil {
		return nil
	}

	return acc.pubKey
}

// ForgetKeys drops every cached key, including the persisted ones.
func (b *Backend) ForgetKeys() error {
	b.pubKeys.Clear()
	if b.cfg.Store == nil {
		return nil
	}

	return b.cfg.Store.DeletePubKeys()
}

// derive returns the key at key from the cache or the device.
func (b *Backend) derive(ctx context.Context,
	key PathKey) (*btcec.PublicKey, error) {

	if raw, ok := b.pubKeys.Get(key); ok {
		return btcec.ParsePubKey(raw)
	}

	purpose, err := purposeOf(key.Root)
	if err != nil {
		return nil, err
	}

	format, err := formatForPurpose(purpose)
	if err != nil {
		return nil, err
	}

	var resp *WalletPublicKey
	err = b.sessions.Do(ctx, "get public key",
		func(ctx context.Context, t Transport) error {
			var err error
			resp, err = WithTimeout(ctx, b.cfg.Timeout,
				func(ctx context.Context) (*WalletPublicKey,
					error) {

					return t.GetWalletPublicKey(
						ctx, key.String(),
						PubKeyOptions{Format: format},
					)
				},
			)

			return err
		},
	)
	if err != nil {
		return nil, err
	}

	if resp == nil {
		return nil, fmt.Errorf("%w: no public key for %v",
			ErrInvalidDeviceResponse, key)
	}

	// Devices may answer with the uncompressed encoding.
	pubKey, err := btcec.ParsePubKey(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key for %v: %w",
			ErrInvalidDeviceResponse, key, err)
	}

	entry := CacheEntry{Key: key, PubKey: pubKey.SerializeCompressed()}
	b.pubKeys.Put(entry.Key, entry.PubKey)
	b.persist(entry)

	return pubKey, nil
}

// persist writes entries to the store, if any. Failures only cost a later
// device lookup and are logged.
func (b *Backend) persist(entries ...CacheEntry) {
	if b.cfg.Store == nil {
		return
	}

	if err := b.cfg.Store.SavePubKeys(entries...); err != nil {
		log.Warnf("Unable to persist device keys: %v", err)
	}
}

// scanRoots returns the roots probed for a key of addrType. The configured
// roots come first, followed by roots only known from the cache. A nil
// addrType probes every root.
func (b *Backend) scanRoots(addrType addrtype.AddressType) []string {
	roots := slices.Clone(b.roots)
	for _, root := range b.pubKeys.Roots() {
		if !slices.Contains(roots, root) {
			roots = append(roots, root)
		}
	}

	if addrType == nil {
		return roots
	}

	want := addrtype.Base(addrType).Purpose()

	return fn.Filter(roots, func(root string) bool {
		purpose, err := purposeOf(root)
		return err == nil && purpose == want
	})
}

// ResolvePath returns the derivation of pubKey. The cache is consulted
// first, then every root matching addrType is probed from index 0 up to the
// scan limit.
func (b *Backend) ResolvePath(ctx context.Context, pubKey *btcec.PublicKey,
	addrType addrtype.AddressType) (PathKey, error) {

	target := pubKey.SerializeCompressed()
	if key, ok := b.pubKeys.Find(target); ok {
		return key, nil
	}

	roots := b.scanRoots(addrType)
	for _, root := range roots {
		for idx := uint32(0); idx <= b.cfg.ScanLimit; idx++ {
			key := PathKey{Root: root, Index: idx}

			// A cached key is known not to match.
			if _, ok := b.pubKeys.Get(key); ok {
				continue
			}

			derived, err := b.derive(ctx, key)
			if err != nil {
				return PathKey{}, err
			}

			if bytes.Equal(derived.SerializeCompressed(), target) {
				log.Debugf("Resolved key %x to %v", target, key)

				return key, nil
			}
		}
	}

	return PathKey{}, fmt.Errorf("%w: %x below %d roots up to index %d",
		ErrPathNotFound, target, len(roots), b.cfg.ScanLimit)
}

// checkApp makes sure the device runs the application of the network and,
// for taproot, a version able to sign it.
func (b *Backend) checkApp(ctx context.Context, t Transport,
	taproot bool) error {

	status, err := WithTimeout(ctx, b.cfg.Timeout, t.GetStatus)
	if err != nil {
		return err
	}

	if status.Name != b.appName {
		return &AppMismatchError{Running: status.Name}
	}

	if !taproot {
		return nil
	}

	version := "v" + strings.TrimPrefix(status.Version, "v")
	if !semver.IsValid(version) {
		return fmt.Errorf("%w: app version %q", ErrInvalidDeviceResponse,
			status.Version)
	}

	if semver.Compare(version, MinTaprootVersion) < 0 {
		return fmt.Errorf("%w: app version %s, need %s",
			ErrTaprootUnsupported, version, MinTaprootVersion)
	}

	return nil
}

// signedBy returns true if the input already carries a signature of the
// hardware key.
func signedBy(in *psbt.PInput, pubKey *btcec.PublicKey, taproot bool) bool {
	if taproot {
		return len(in.TaprootKeySpendSig) > 0
	}

	compressed := pubKey.SerializeCompressed()

	return slices.ContainsFunc(in.PartialSigs, func(p *psbt.PartialSig) bool {
		return bytes.Equal(p.PubKey, compressed)
	})
}

// Sign signs the listed inputs on the device. Inputs are grouped by address
// format and each group is submitted as one request. Inputs that are
// already signed or finalized are skipped.
func (b *Backend) Sign(ctx context.Context, packet *psbt.Packet,
	inputs []signer.InputForSigning, autoFinalize bool) (*signer.SignResult,
	error) {

	if packet == nil {
		return nil, signer.ErrNilPacket
	}

	for _, input := range inputs {
		err := signer.CheckInputIndex(packet, input.Index)
		if err != nil {
			return nil, err
		}

		if input.PubKey == nil {
			return nil, fmt.Errorf("%w: input %d has no key",
				signer.ErrAddressOrKeyMismatch, input.Index)
		}
	}

	result := &signer.SignResult{Packet: packet}
	if len(inputs) == 0 {
		return result, nil
	}

	if !b.sessions.Requested() {
		return nil, ErrNotConnected
	}

	if err := signer.CheckUtxos(packet); err != nil {
		return nil, err
	}

	planned, err := b.plan(ctx, packet, inputs)
	if err != nil {
		return nil, err
	}

	for _, group := range groupByFormat(planned) {
		signed, err := b.signGroup(ctx, packet, group)
		if err != nil {
			return nil, err
		}

		result.SignedInputs = append(result.SignedInputs, signed...)
	}

	if autoFinalize {
		if err := signer.FinalizeInputs(packet, inputs); err != nil {
			return nil, err
		}
	}

	log.Infof("Signed %d inputs of %v on device",
		len(result.SignedInputs), packet.UnsignedTx.TxHash())

	return result, nil
}

// plan resolves the derivation of every input still to sign.
func (b *Backend) plan(ctx context.Context, packet *psbt.Packet,
	inputs []signer.InputForSigning) ([]plannedInput, error) {

	var planned []plannedInput
	for _, input := range inputs {
		in := &packet.Inputs[input.Index]
		if signer.IsFinalized(in) {
			continue
		}

		prevOut := signer.SpentOutput(
			packet.UnsignedTx.TxIn[input.Index], in,
		)
		addrType, err := addrtype.FromScript(prevOut.PkScript)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", input.Index, err)
		}

		_, taproot := addrType.(addrtype.Taproot)
		if signedBy(in, input.PubKey, taproot) {
			continue
		}

		hashType := txscript.SigHashAll
		if taproot {
			hashType = txscript.SigHashDefault
		}
		if in.SighashType != 0 && in.SighashType != hashType {
			return nil, fmt.Errorf("%w: input %d requests %v",
				signer.ErrSighashNotAllowed, input.Index,
				in.SighashType)
		}

		key, err := b.ResolvePath(ctx, input.PubKey, addrType)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", input.Index, err)
		}

		purpose, err := purposeOf(key.Root)
		if err != nil {
			return nil, err
		}

		format, err := formatForPurpose(purpose)
		if err != nil {
			return nil, err
		}

		planned = append(planned, plannedInput{
			input:  input,
			key:    key,
			format: format,
		})
	}

	return planned, nil
}

// groupByFormat splits the planned inputs by address format, keeping the
// order in which the formats first appear.
func groupByFormat(planned []plannedInput) [][]plannedInput {
	var (
		groups [][]plannedInput
		order  []AddressFormat
	)
	for _, p := range planned {
		idx := slices.Index(order, p.format)
		if idx < 0 {
			order = append(order, p.format)
			groups = append(groups, nil)
			idx = len(groups) - 1
		}

		groups[idx] = append(groups[idx], p)
	}

	return groups
}

// signRequest builds the device request signing group.
func (b *Backend) signRequest(ctx context.Context, packet *psbt.Packet,
	group []plannedInput) (*SignRequest, error) {

	tx := packet.UnsignedTx
	req := &SignRequest{
		Version:     tx.Version,
		LockTime:    tx.LockTime,
		Paths:       make(map[int]string, len(group)),
		Format:      group[0].format,
		Segwit:      group[0].format.segwit(),
		SigHashType: txscript.SigHashAll,
	}
	if req.Format == FormatBech32m {
		req.SigHashType = txscript.SigHashDefault
	}

	for idx, txIn := range tx.TxIn {
		prevOut := txIn.PreviousOutPoint

		prevTx := packet.Inputs[idx].NonWitnessUtxo
		if prevTx != nil {
			b.prevTxs.add(prevTx)
		} else {
			var err error
			prevTx, err = b.prevTxs.fetch(ctx, prevOut.Hash)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", idx, err)
			}
		}

		if int(prevOut.Index) >= len(prevTx.TxOut) {
			return nil, fmt.Errorf("%w: input %d spends %v",
				addrtype.ErrPrevTxMismatch, idx, prevOut)
		}

		req.Inputs = append(req.Inputs, TrustedInput{
			PrevTx:   prevTx,
			Index:    prevOut.Index,
			Sequence: txIn.Sequence,
		})
	}

	var outputs bytes.Buffer
	err := wire.WriteVarInt(&outputs, 0, uint64(len(tx.TxOut)))
	if err != nil {
		return nil, err
	}
	for _, out := range tx.TxOut {
		if err := wire.WriteTxOut(&outputs, 0, 0, out); err != nil {
			return nil, err
		}
	}
	req.Outputs = outputs.Bytes()

	for _, p := range group {
		req.Paths[p.input.Index] = p.key.String()
	}

	return req, nil
}

// signGroup submits one group to the device and splices the signatures into
// the packet.
func (b *Backend) signGroup(ctx context.Context, packet *psbt.Packet,
	group []plannedInput) ([]uint32, error) {

	req, err := b.signRequest(ctx, packet, group)
	if err != nil {
		return nil, err
	}

	taproot := req.Format == FormatBech32m
	log.Tracef("Sending %v sign request: %v", req.Format,
		newLogClosure(func() string {
			return spew.Sdump(req)
		}))

	var sigs []InputSignature
	err = b.sessions.Do(ctx, "sign transaction",
		func(ctx context.Context, t Transport) error {
			if err := b.checkApp(ctx, t, taproot); err != nil {
				return err
			}

			var err error
			sigs, err = t.SignTransaction(ctx, req)

			return err
		},
	)
	if err != nil {
		return nil, err
	}

	return b.splice(ctx, packet, group, sigs)
}

// splice adds the device signatures to the packet.
func (b *Backend) splice(ctx context.Context, packet *psbt.Packet,
	group []plannedInput, sigs []InputSignature) ([]uint32, error) {

	if len(sigs) != len(group) {
		return nil, fmt.Errorf("%w: %d signatures for %d inputs",
			ErrInvalidDeviceResponse, len(sigs), len(group))
	}

	byIndex := make(map[int]plannedInput, len(group))
	for _, p := range group {
		byIndex[p.input.Index] = p
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}

	signed := make([]uint32, 0, len(sigs))
	for _, sig := range sigs {
		p, ok := byIndex[sig.Index]
		if !ok {
			return nil, fmt.Errorf("%w: unexpected signature for "+
				"input %d", ErrInvalidDeviceResponse, sig.Index)
		}
		delete(byIndex, sig.Index)

		if p.format == FormatBech32m {
			if len(sig.Signature) != 64 && len(sig.Signature) != 65 {
				return nil, fmt.Errorf("%w: schnorr signature "+
					"of %d bytes for input %d",
					ErrInvalidDeviceResponse,
					len(sig.Signature), sig.Index)
			}

			packet.Inputs[sig.Index].TaprootKeySpendSig = bytes.Clone(
				sig.Signature,
			)
			signed = append(signed, uint32(sig.Index))

			continue
		}

		pubKey, err := b.signingKey(ctx, p, sig.PubKey)
		if err != nil {
			return nil, err
		}

		var redeemScript []byte
		if p.format == FormatP2SH {
			redeemScript, err = addrtype.NestedSegwit{}.RedeemScript(
				pubKey,
			)
			if err != nil {
				return nil, err
			}
		}

		outcome, err := updater.Sign(
			sig.Index, sig.Signature, pubKey.SerializeCompressed(),
			redeemScript, nil,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: input %d: %w",
				ErrInvalidDeviceResponse, sig.Index, err)
		}
		if outcome != psbt.SignSuccesful {
			return nil, fmt.Errorf("%w: input %d not signed (%v)",
				ErrInvalidDeviceResponse, sig.Index, outcome)
		}

		signed = append(signed, uint32(sig.Index))
	}

	return signed, nil
}

// signingKey returns the key of a device signature. Devices that do not
// report it get it derived again from the input's path.
func (b *Backend) signingKey(ctx context.Context, p plannedInput,
	reported []byte) (*btcec.PublicKey, error) {

	if len(reported) == 0 {
		return b.derive(ctx, p.key)
	}

	pubKey, err := btcec.ParsePubKey(reported)
	if err != nil {
		return nil, fmt.Errorf("%w: signing key of input %d: %w",
			ErrInvalidDeviceResponse, p.input.Index, err)
	}

	return pubKey, nil
}

// SignMessage signs text with the account key on the device. The signature
// is checked against the account key before it is returned.
func (b *Backend) SignMessage(ctx context.Context,
	text string) (string, error) {

	acc := b.account.Load()
	if acc == nil {
		return "", ErrNoAccount
	}

	var sig []byte
	err := b.sessions.Do(ctx, "sign message",
		func(ctx context.Context, t Transport) error {
			if err := b.checkApp(ctx, t, false); err != nil {
				return err
			}

			var err error
			sig, err = t.SignMessage(ctx, acc.key.String(), text)

			return err
		},
	)
	if err != nil {
		return "", err
	}

	if len(sig) != 65 {
		return "", fmt.Errorf("%w: message signature of %d bytes",
			ErrInvalidDeviceResponse, len(sig))
	}

	encoded := signer.EncodeCompactSignature(sig)
	if err := signer.VerifyMessage(text, encoded, acc.pubKey); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidDeviceResponse, err)
	}

	return encoded, nil
}
