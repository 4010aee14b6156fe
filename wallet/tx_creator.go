// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/psbtkit/psbtkit/chain"
	"github.com/psbtkit/psbtkit/pkg/btcunit"
	"github.com/psbtkit/psbtkit/wallet/addrtype"
)

var (
	// ErrManualInputsEmpty is returned when manual inputs are specified but
	// the list is empty.
	ErrManualInputsEmpty = errors.New("manual inputs cannot be empty")

	// ErrDuplicatedUtxo is returned when a UTXO is specified multiple
	// times.
	ErrDuplicatedUtxo = errors.New("duplicated utxo")

	// ErrUnsupportedTxInputs is returned when the `Inputs` field of a
	// TxIntent is not of a supported type.
	ErrUnsupportedTxInputs = errors.New("unsupported tx inputs type")

	// ErrUnsupportedCoinSource is returned when the `Source` field of an
	// InputsPolicy is not of a supported type.
	ErrUnsupportedCoinSource = errors.New("unsupported coin source type")

	// ErrNoTxOutputs is returned when a transaction is created without any
	// outputs.
	ErrNoTxOutputs = errors.New("tx has no outputs")

	// ErrFeeRateTooLarge is returned when a transaction is created with a
	// fee rate that is larger than the configured max allowed fee rate.
	// The default max fee rate is 1000 sat/vb.
	ErrFeeRateTooLarge = errors.New("fee rate too large")

	// ErrMissingFeeRate is returned when a transaction is created without
	// a fee rate.
	ErrMissingFeeRate = errors.New("missing fee rate")

	// ErrMissingSender is returned when a TxIntent has no sender address
	// type or key.
	ErrMissingSender = errors.New("missing sender")

	// ErrNilTxIntent is returned when a nil `TxIntent` is provided.
	ErrNilTxIntent = errors.New("nil TxIntent")

	// ErrInsufficientFunds is returned when all eligible coins together
	// cannot pay for the outputs and the fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

var (
	// DefaultMaxFeeRate is the default maximum fee rate that the wallet
	// will consider sane.
	//
	//nolint:mnd // 1000 sat/vb default max fee.
	DefaultMaxFeeRate = btcunit.NewSatPerVByte(1_000)
)

// CoinSelectionStrategy is an interface that represents a coin selection
// strategy. A coin selection strategy is responsible for ordering or
// filtering a list of coins before they are passed to the coin selection
// algorithm, which consumes them in the returned order.
type CoinSelectionStrategy interface {
	// ArrangeCoins takes a list of coins and arranges them according to the
	// specified coin selection strategy and fee rate.
	ArrangeCoins(eligible []chain.UnspentOutput,
		feeRate btcunit.SatPerVByte) ([]chain.UnspentOutput, error)
}

// CoinSelectionLargest always picks the largest available utxo to add to the
// transaction next.
var CoinSelectionLargest CoinSelectionStrategy = &LargestFirstCoinSelector{}

// LargestFirstCoinSelector orders coins by descending value. Coins of equal
// value keep their relative order.
type LargestFirstCoinSelector struct{}

// ArrangeCoins returns a sorted copy of eligible.
func (*LargestFirstCoinSelector) ArrangeCoins(eligible []chain.UnspentOutput,
	_ btcunit.SatPerVByte) ([]chain.UnspentOutput, error) {

	arranged := append([]chain.UnspentOutput(nil), eligible...)
	sort.SliceStable(arranged, func(i, j int) bool {
		return arranged[i].Value > arranged[j].Value
	})

	return arranged, nil
}

// TxCreator provides an interface for creating transactions. Its primary
// role is to produce a fully-formed, unsigned PSBT that can be passed to a
// signing backend.
type TxCreator interface {
	// CreateTransaction creates a new, unsigned transaction based on the
	// provided intent.
	CreateTransaction(ctx context.Context, intent *TxIntent) (
		*AuthoredPsbt, error)
}

// A compile time check to ensure that Wallet implements the interface.
var _ TxCreator = (*Wallet)(nil)

// Sender is the funding side of a transaction. Coins selected from the pool
// are spent with its key and the change goes back to its address.
type Sender struct {
	// AddrType is the address type of the sender.
	AddrType addrtype.AddressType

	// PubKey is the key locking the sender's coins.
	PubKey *btcec.PublicKey

	// Derivation is the origin of PubKey, required by HD address types.
	Derivation fn.Option[Derivation]
}

// SpendInput is a coin that must be spent by the transaction. It may belong
// to a different address type or key than the sender, e.g. an asset held on
// a taproot address while fees are paid from a segwit account.
type SpendInput struct {
	// Utxo is the coin to spend.
	Utxo chain.UnspentOutput

	// AddrType is the address type of the coin. The sender's is used if
	// nil.
	AddrType addrtype.AddressType

	// PubKey is the key locking the coin. The sender's is used if nil.
	PubKey *btcec.PublicKey

	// Derivation is the origin of PubKey. The sender's is used if the
	// coin belongs to the sender.
	Derivation fn.Option[Derivation]
}

// TxIntent represents the user's intent to create a transaction. It serves as
// a blueprint for the TxCreator, bundling all the parameters required to
// construct a transaction into a single, coherent structure.
//
// A TxIntent can be used in two ways:
//
// 1. Manual Input Selection:
// The caller names the exact coins to spend with InputsManual. No coin
// selection is done; the coins must cover the outputs and the fee.
//
// 2. Policy-Based Coin Selection:
// The caller describes a pool of coins with InputsPolicy. Must-spend coins
// are always used first, then the pool is consumed in the order of the
// strategy until the outputs and the fee are covered.
//
// Example:
//
//	intent := &TxIntent{
//		Outputs: outputs,
//		Inputs: &InputsPolicy{
//			Source: &CoinSourceAddress{Address: addr},
//		},
//		Sender:  account.Sender(),
//		FeeRate: btcunit.NewSatPerVByte(5),
//	}
type TxIntent struct {
	// Outputs specifies the recipients and amounts for the transaction.
	// This field is required.
	Outputs []wire.TxOut

	// Inputs defines the source of the inputs for the transaction. If
	// nil, coins are selected from the sender's address.
	Inputs Inputs

	// Sender funds the transaction and receives the change. This field
	// is required.
	Sender Sender

	// FeeRate specifies the desired fee rate for the transaction. This
	// field is required.
	FeeRate btcunit.SatPerVByte
}

// Inputs is a sealed interface that defines the source of inputs for a
// transaction. It can either be a manually specified set of coins or a policy
// for coin selection.
type Inputs interface {
	// isInputs is a marker method that is part of the sealed interface
	// pattern.
	isInputs()

	// validate performs a series of checks on the input source to ensure
	// it is well-formed.
	validate() error
}

// InputsManual implements the Inputs interface and specifies the exact coins
// to be used as transaction inputs. When this is used, all automatic coin
// selection logic is bypassed.
type InputsManual struct {
	// Inputs are spent in the given order.
	Inputs []SpendInput
}

// InputsPolicy implements the Inputs interface and specifies the policy
// for coin selection by the wallet.
type InputsPolicy struct {
	// Strategy is the algorithm to use for ordering coins. If this is
	// nil, CoinSelectionLargest is used.
	Strategy CoinSelectionStrategy

	// MustSpend lists coins that are spent before any coin of the pool,
	// in the given order.
	MustSpend []SpendInput

	// Source specifies the pool of coins to select from. If this is nil,
	// the coins of the sender's address are used.
	Source CoinSource

	// AllowInscriptions lets the pool spend coins carrying inscriptions.
	// Must-spend coins are always allowed.
	AllowInscriptions bool
}

// isInputs marks InputsManual as an implementation of the Inputs interface.
func (*InputsManual) isInputs() {}

// validate performs validation on the manual inputs.
func (i *InputsManual) validate() error {
	if len(i.Inputs) == 0 {
		return ErrManualInputsEmpty
	}

	return validateSpendInputs(i.Inputs)
}

// isInputs marks InputsPolicy as an implementation of the Inputs
// interface.
func (*InputsPolicy) isInputs() {}

// validate performs validation on the input policy.
func (i *InputsPolicy) validate() error {
	err := validateSpendInputs(i.MustSpend)
	if err != nil {
		return err
	}

	switch source := i.Source.(type) {
	case nil:
		return nil

	case *CoinSourceAddress:
		if source.Address == nil {
			return fmt.Errorf("%w: nil address",
				ErrUnsupportedCoinSource)
		}

	case *CoinSourceUTXOs:
		return validateOutPoints(fn.Map(
			source.UTXOs, func(u chain.UnspentOutput) wire.OutPoint {
				return u.OutPoint
			},
		))

	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedCoinSource, source)
	}

	return nil
}

// A compile-time assertion to ensure that all types implementing the Inputs
// interface adhere to it.
var _ Inputs = (*InputsManual)(nil)
var _ Inputs = (*InputsPolicy)(nil)

// CoinSource is a sealed interface that defines the pool of coins available
// for coin selection.
type CoinSource interface {
	// isCoinSource is a marker method that is part of the sealed interface
	// pattern.
	isCoinSource()
}

// CoinSourceAddress selects from the coins of an address as reported by the
// wallet's UtxoSource.
type CoinSourceAddress struct {
	// Address owns the coins.
	Address btcutil.Address
}

// CoinSourceUTXOs selects from a predefined list of coins.
type CoinSourceUTXOs struct {
	// UTXOs are the candidate coins. This list must not be empty.
	UTXOs []chain.UnspentOutput
}

// isCoinSource marks CoinSourceAddress as an implementation of the
// CoinSource interface.
func (CoinSourceAddress) isCoinSource() {}

// isCoinSource marks CoinSourceUTXOs as an implementation of the CoinSource
// interface.
func (CoinSourceUTXOs) isCoinSource() {}

// A compile-time assertion to ensure that all types implementing the
// CoinSource interface adhere to it.
var _ CoinSource = (*CoinSourceAddress)(nil)
var _ CoinSource = (*CoinSourceUTXOs)(nil)

// validateSpendInputs checks that every coin is valid and spent once.
func validateSpendInputs(inputs []SpendInput) error {
	for _, input := range inputs {
		if err := input.Utxo.Validate(); err != nil {
			return err
		}
	}

	if fn.HasDuplicates(fn.Map(inputs, func(i SpendInput) wire.OutPoint {
		return i.Utxo.OutPoint
	})) {

		return ErrDuplicatedUtxo
	}

	return nil
}

// validateOutPoints checks a slice of `wire.OutPoint`s for emptiness and
// duplicate entries. It returns `ErrManualInputsEmpty` if the slice is empty
// and `ErrDuplicatedUtxo` if any duplicates are found.
func validateOutPoints(outpoints []wire.OutPoint) error {
	if len(outpoints) == 0 {
		return ErrManualInputsEmpty
	}

	if fn.HasDuplicates(outpoints) {
		return ErrDuplicatedUtxo
	}

	return nil
}

// checkOutput rejects negative, oversized and dust outputs. Outputs paying
// to a known address type are held to that type's dust threshold, anything
// else to the relay policy of txrules.
func checkOutput(output *wire.TxOut) error {
	err := txrules.CheckOutput(output, txrules.DefaultRelayFeePerKb)
	if err == nil || !errors.Is(err, txrules.ErrOutputIsDust) {
		return err
	}

	addrType, typeErr := addrtype.FromScript(output.PkScript)
	if typeErr != nil {
		return err
	}

	if btcutil.Amount(output.Value) < addrType.DustThreshold() {
		return fmt.Errorf("%w: %d below %s threshold of %v",
			txrules.ErrOutputIsDust, output.Value, addrType.Name(),
			addrType.DustThreshold())
	}

	return nil
}

// validateTxIntent performs a series of checks on a TxIntent to ensure it is
// well-formed. This function is for validation only and does not modify the
// TxIntent.
//
// The following checks are performed:
//   - The intent must have at least one output.
//   - Each output must not be a dust output.
//   - The sender must have an address type and a key.
//   - The input source itself is validated via the `validate` method.
//   - The fee rate must be positive and not above maxFeeRate.
func validateTxIntent(intent *TxIntent, maxFeeRate btcunit.SatPerVByte) error {
	// The intent must have at least one output.
	if len(intent.Outputs) == 0 {
		return ErrNoTxOutputs
	}

	for _, output := range intent.Outputs {
		if err := checkOutput(&output); err != nil {
			return err
		}
	}

	if intent.Sender.AddrType == nil || intent.Sender.PubKey == nil {
		return ErrMissingSender
	}

	if intent.Inputs != nil {
		if err := intent.Inputs.validate(); err != nil {
			return err
		}
	}

	// The intent must have a non-zero fee rate.
	if intent.FeeRate.LessThanOrEqual(btcunit.ZeroSatPerVByte) {
		return ErrMissingFeeRate
	}

	// Ensure the fee rate is not "insane". This prevents users from
	// accidentally paying exorbitant fees.
	if intent.FeeRate.GreaterThan(maxFeeRate) {
		return fmt.Errorf("%w: fee rate of %s is too high, "+
			"max sane fee rate is %s", ErrFeeRateTooLarge,
			intent.FeeRate, maxFeeRate)
	}

	return nil
}

// AuthoredPsbt is an unsigned transaction wrapped in a PSBT.
type AuthoredPsbt struct {
	// Packet is the PSBT with every input described for signing.
	Packet *psbt.Packet

	// Tx is the unsigned transaction and the values and scripts of the
	// spent outputs.
	Tx *txauthor.AuthoredTx

	// Fee is the fee paid by the transaction.
	Fee btcutil.Amount

	// ChangeIndex is the index of the change output, or -1 if the
	// change was too small to create one.
	ChangeIndex int
}

// selection is the outcome of coin selection.
type selection struct {
	inputs []SpendInput
	total  btcutil.Amount
	fee    btcutil.Amount
	change btcutil.Amount
}

// CreateTransaction creates a new unsigned transaction spending coins to the
// given outputs. The intent and the slices it references are never modified.
func (w *Wallet) CreateTransaction(ctx context.Context, intent *TxIntent) (
	*AuthoredPsbt, error) {

	// Check that the intent is not nil.
	if intent == nil {
		return nil, ErrNilTxIntent
	}

	err := validateTxIntent(intent, w.cfg.MaxFeeRate)
	if err != nil {
		return nil, err
	}

	// If no input source is specified, coins are selected from the
	// sender's address.
	inputs := intent.Inputs
	if inputs == nil {
		log.Debug("No input source specified, using the sender " +
			"address for automatic coin selection")

		inputs = &InputsPolicy{}
	}

	changeScript, err := intent.Sender.AddrType.PkScript(
		intent.Sender.PubKey,
	)
	if err != nil {
		return nil, err
	}

	outputs := make([]*wire.TxOut, 0, len(intent.Outputs)+1)
	for _, output := range intent.Outputs {
		outputs = append(outputs, wire.NewTxOut(
			output.Value, output.PkScript,
		))
	}

	source, err := w.createInputSource(ctx, inputs, intent)
	if err != nil {
		return nil, err
	}

	sel, err := w.selectCoins(
		ctx, source, outputs, changeScript, intent,
	)
	if err != nil {
		return nil, err
	}

	changeIndex := -1
	if sel.change > 0 {
		changeIndex = len(outputs)
		outputs = append(outputs, wire.NewTxOut(
			int64(sel.change), changeScript,
		))
	}

	authored, err := w.authorPsbt(ctx, sel, outputs, intent.Sender)
	if err != nil {
		return nil, err
	}
	authored.Fee = sel.fee
	authored.ChangeIndex = changeIndex
	authored.Tx.ChangeIndex = changeIndex

	log.Infof("Created tx %v spending %d inputs (%v) with fee %v and "+
		"change %v", authored.Packet.UnsignedTx.TxHash(),
		len(sel.inputs), sel.total, sel.fee, sel.change)
	log.Tracef("Authored packet: %v", newLogClosure(func() string {
		return spew.Sdump(authored.Packet)
	}))

	return authored, nil
}

// inputSource hands out coins until their total reaches the target. Coins
// handed out once are returned again by every later call.
type inputSource func(target btcutil.Amount) (btcutil.Amount, []SpendInput)

// createInputSource creates the input source of the intent. It acts as a
// dispatcher, delegating to either the manual or policy-based input source
// creator based on the type of the intent's Inputs field.
func (w *Wallet) createInputSource(ctx context.Context, inputs Inputs,
	intent *TxIntent) (inputSource, error) {

	switch inputs := inputs.(type) {
	// If the inputs are manually specified, we create a "constant" input
	// source that will only ever return the specified coins.
	case *InputsManual:
		return constantInputSource(inputs.Inputs), nil

	// If the inputs are policy-based, we create an input source that will
	// perform coin selection.
	case *InputsPolicy:
		return w.createPolicyInputSource(ctx, inputs, intent)

	// Any other type is unsupported.
	default:
		return nil, ErrUnsupportedTxInputs
	}
}

// createPolicyInputSource creates an input source that will perform automatic
// coin selection based on the provided policy.
func (w *Wallet) createPolicyInputSource(ctx context.Context,
	policy *InputsPolicy, intent *TxIntent) (inputSource, error) {

	// Fall back to the default coin selection strategy if none is supplied.
	strategy := policy.Strategy
	if strategy == nil {
		strategy = CoinSelectionLargest
	}

	eligible, err := w.getEligibleUTXOs(ctx, policy, intent.Sender)
	if err != nil {
		return nil, err
	}

	arranged, err := strategy.ArrangeCoins(eligible, intent.FeeRate)
	if err != nil {
		return nil, err
	}

	pool := make([]SpendInput, 0, len(arranged))
	for _, utxo := range arranged {
		pool = append(pool, SpendInput{Utxo: utxo})
	}

	return makeInputSource(policy.MustSpend, pool), nil
}

// getEligibleUTXOs returns the pool coins the policy may spend. Coins not
// locked to the sender, coins that are also must-spend, and coins carrying
// inscriptions (unless allowed) are skipped.
func (w *Wallet) getEligibleUTXOs(ctx context.Context, policy *InputsPolicy,
	sender Sender) ([]chain.UnspentOutput, error) {

	senderScript, err := sender.AddrType.PkScript(sender.PubKey)
	if err != nil {
		return nil, err
	}

	var candidates []chain.UnspentOutput
	switch source := policy.Source.(type) {
	case nil:
		addr, err := sender.AddrType.Address(
			sender.PubKey, w.cfg.ChainParams,
		)
		if err != nil {
			return nil, err
		}

		candidates, err = w.listUnspent(ctx, addr)
		if err != nil {
			return nil, err
		}

	case *CoinSourceAddress:
		candidates, err = w.listUnspent(ctx, source.Address)
		if err != nil {
			return nil, err
		}

	case *CoinSourceUTXOs:
		candidates = source.UTXOs

	default:
		return nil, ErrUnsupportedCoinSource
	}

	mustSpend := make(map[wire.OutPoint]struct{}, len(policy.MustSpend))
	for _, input := range policy.MustSpend {
		mustSpend[input.Utxo.OutPoint] = struct{}{}
	}

	eligible := make([]chain.UnspentOutput, 0, len(candidates))
	for _, utxo := range candidates {
		if _, ok := mustSpend[utxo.OutPoint]; ok {
			continue
		}

		if utxo.HasInscriptions() && !policy.AllowInscriptions {
			log.Debugf("Skipping utxo %v carrying %d inscriptions",
				utxo.OutPoint, len(utxo.Inscriptions))

			continue
		}

		if string(utxo.PkScript) != string(senderScript) {
			log.Warnf("Skipping utxo %v not locked to the sender",
				utxo.OutPoint)

			continue
		}

		if err := utxo.Validate(); err != nil {
			log.Warnf("Skipping invalid utxo: %v", err)
			continue
		}

		eligible = append(eligible, utxo)
	}

	return eligible, nil
}

// listUnspent returns the coins of addr from the configured UtxoSource.
func (w *Wallet) listUnspent(ctx context.Context,
	addr btcutil.Address) ([]chain.UnspentOutput, error) {

	if w.cfg.Utxos == nil {
		return nil, ErrMissingUtxoSource
	}

	return w.cfg.Utxos.ListUnspent(ctx, addr)
}

// makeInputSource returns an input source spending all must-spend coins
// first, then pool coins in order.
func makeInputSource(mustSpend, pool []SpendInput) inputSource {
	// Current inputs and their total value. These are closed over by the
	// returned input source and reused across multiple calls.
	currentInputs := make([]SpendInput, 0, len(mustSpend)+len(pool))
	currentTotal := btcutil.Amount(0)
	for _, input := range mustSpend {
		currentInputs = append(currentInputs, input)
		currentTotal += input.Utxo.Value
	}

	return func(target btcutil.Amount) (btcutil.Amount, []SpendInput) {
		for currentTotal < target && len(pool) != 0 {
			next := pool[0]
			pool = pool[1:]

			currentInputs = append(currentInputs, next)
			currentTotal += next.Utxo.Value
		}

		return currentTotal, currentInputs
	}
}

// constantInputSource creates an input source function that always returns the
// static set of user-selected coins.
func constantInputSource(inputs []SpendInput) inputSource {
	currentInputs := append([]SpendInput(nil), inputs...)
	currentTotal := btcutil.Amount(0)
	for _, input := range currentInputs {
		currentTotal += input.Utxo.Value
	}

	return func(btcutil.Amount) (btcutil.Amount, []SpendInput) {
		return currentTotal, currentInputs
	}
}

// selectCoins grows the selection until it pays for the outputs and the
// simulated fee. Each round sizes the fee of the current selection twice:
// with a placeholder change output and without one. The selection stops at
// the first prefix covering either, so no coin is added that the fee does
// not require. Change below the dust threshold of the sender is left to the
// fee.
func (w *Wallet) selectCoins(ctx context.Context, source inputSource,
	outputs []*wire.TxOut, changeScript []byte,
	intent *TxIntent) (*selection, error) {

	var totalOut btcutil.Amount
	for _, out := range outputs {
		totalOut += btcutil.Amount(out.Value)
	}

	// The placeholder only contributes its script to the size.
	withChange := make([]*wire.TxOut, 0, len(outputs)+1)
	withChange = append(withChange, outputs...)
	withChange = append(withChange, wire.NewTxOut(0, changeScript))

	dust := intent.Sender.AddrType.DustThreshold()
	target := totalOut

	for {
		total, inputs := source(target)
		if total < target || len(inputs) == 0 {
			return nil, fmt.Errorf("%w: have %v, need at least %v",
				ErrInsufficientFunds, total, target)
		}

		utxos := fn.Map(inputs, func(i SpendInput) chain.UnspentOutput {
			return i.Utxo
		})

		feeWithChange, err := w.cfg.Simulator.EstimateFee(
			ctx, utxos, withChange, intent.Sender.AddrType,
			intent.FeeRate,
		)
		if err != nil {
			return nil, err
		}

		if total >= totalOut+feeWithChange {
			change := total - totalOut - feeWithChange
			if change >= dust {
				return &selection{
					inputs: inputs,
					total:  total,
					fee:    feeWithChange,
					change: change,
				}, nil
			}

			log.Debugf("Dropping change of %v below dust threshold "+
				"%v", change, dust)

			return &selection{
				inputs: inputs,
				total:  total,
				fee:    total - totalOut,
			}, nil
		}

		feeNoChange, err := w.cfg.Simulator.EstimateFee(
			ctx, utxos, outputs, intent.Sender.AddrType,
			intent.FeeRate,
		)
		if err != nil {
			return nil, err
		}

		if total >= totalOut+feeNoChange {
			return &selection{
				inputs: inputs,
				total:  total,
				fee:    total - totalOut,
			}, nil
		}

		// The next round needs at least this fee since adding coins
		// never lowers it.
		target = totalOut + feeNoChange
	}
}

// authorPsbt encodes the selected inputs and assembles the PSBT.
func (w *Wallet) authorPsbt(ctx context.Context, sel *selection,
	outputs []*wire.TxOut, sender Sender) (*AuthoredPsbt, error) {

	var (
		outpoints   = make([]*wire.OutPoint, 0, len(sel.inputs))
		sequences   = make([]uint32, 0, len(sel.inputs))
		pIns        = make([]psbt.PInput, 0, len(sel.inputs))
		prevScripts = make([][]byte, 0, len(sel.inputs))
		prevValues  = make([]btcutil.Amount, 0, len(sel.inputs))
	)
	for _, input := range sel.inputs {
		txIn, pIn, err := w.encodeInput(ctx, input, sender)
		if err != nil {
			return nil, err
		}

		outpoints = append(outpoints, &txIn.PreviousOutPoint)
		sequences = append(sequences, txIn.Sequence)
		pIns = append(pIns, *pIn)
		prevScripts = append(prevScripts, input.Utxo.PkScript)
		prevValues = append(prevValues, input.Utxo.Value)
	}

	packet, err := psbt.New(outpoints, outputs, 2, 0, sequences)
	if err != nil {
		return nil, err
	}
	copy(packet.Inputs, pIns)

	if err := packet.SanityCheck(); err != nil {
		return nil, err
	}

	return &AuthoredPsbt{
		Packet: packet,
		Tx: &txauthor.AuthoredTx{
			Tx:              packet.UnsignedTx,
			PrevScripts:     prevScripts,
			PrevInputValues: prevValues,
			TotalInput:      sel.total,
		},
	}, nil
}

// encodeInput encodes one selected coin with the address type and key of its
// owner. A legacy coin without its previous transaction gets it from the
// configured TxSource.
func (w *Wallet) encodeInput(ctx context.Context, input SpendInput,
	sender Sender) (*wire.TxIn, *psbt.PInput, error) {

	addrType, pubKey, derivation := sender.AddrType, sender.PubKey,
		sender.Derivation
	if input.AddrType != nil {
		addrType = input.AddrType
	}
	if input.PubKey != nil {
		pubKey = input.PubKey
		derivation = input.Derivation
	}

	utxo := input.Utxo
	_, isLegacy := addrtype.Base(addrType).(addrtype.Legacy)
	if isLegacy && utxo.PrevTx == nil && w.cfg.Txs != nil {
		prevTx, err := w.cfg.Txs.FetchTx(ctx, utxo.OutPoint.Hash)
		if err != nil {
			return nil, nil, err
		}
		utxo.PrevTx = prevTx
	}

	var opts []addrtype.EncodeOption
	derivation.WhenSome(func(d Derivation) {
		opts = append(opts, addrtype.WithDerivation(
			d.Fingerprint, d.Path,
		))
	})

	return addrType.EncodeInput(&utxo, pubKey, opts...)
}
