package signer

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/psbtkit/psbtkit/chain"
	"github.com/psbtkit/psbtkit/wallet/addrtype"
	"github.com/stretchr/testify/require"
)

// testKey returns a deterministic key pair.
func testKey(b byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	return btcec.PrivKeyFromBytes(bytes.Repeat([]byte{b}, 32))
}

// fundingUtxo creates a previous transaction paying value to pkScript. The
// seed makes the transaction id unique.
func fundingUtxo(seed uint32, pkScript []byte,
	value btcutil.Amount) *chain.UnspentOutput {

	prevTx := wire.NewMsgTx(2)
	prevTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: seed}, nil, nil))
	prevTx.AddTxOut(wire.NewTxOut(int64(value), pkScript))

	return &chain.UnspentOutput{
		OutPoint: wire.OutPoint{Hash: prevTx.TxHash()},
		Value:    value,
		PkScript: pkScript,
		PrevTx:   prevTx,
	}
}

// testInput is one input of a test packet.
type testInput struct {
	addrType addrtype.AddressType
	pubKey   *btcec.PublicKey
}

// newTestPacket builds a packet spending one 100k sats output per input,
// each encoded by its address type.
func newTestPacket(t *testing.T, inputs ...testInput) *psbt.Packet {
	t.Helper()

	var (
		outpoints []*wire.OutPoint
		pIns      []psbt.PInput
		sequences []uint32
	)
	for idx, input := range inputs {
		pkScript, err := input.addrType.PkScript(input.pubKey)
		require.NoError(t, err)

		utxo := fundingUtxo(uint32(idx), pkScript, 100_000)
		txIn, pIn, err := input.addrType.EncodeInput(utxo, input.pubKey)
		require.NoError(t, err)

		outpoints = append(outpoints, &txIn.PreviousOutPoint)
		pIns = append(pIns, *pIn)
		sequences = append(sequences, wire.MaxTxInSequenceNum)
	}

	_, destKey := testKey(0x77)
	destScript, err := addrtype.NativeSegwit{}.PkScript(destKey)
	require.NoError(t, err)

	packet, err := psbt.New(
		outpoints, []*wire.TxOut{wire.NewTxOut(50_000, destScript)},
		2, 0, sequences,
	)
	require.NoError(t, err)
	copy(packet.Inputs, pIns)

	return packet
}

// verifyPacket extracts the final transaction and runs every input through
// the script engine.
func verifyPacket(t *testing.T, packet *psbt.Packet) {
	t.Helper()

	fetcher := PrevOutputFetcher(packet)

	tx, err := psbt.Extract(packet)
	require.NoError(t, err)

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for idx, txIn := range tx.TxIn {
		prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		require.NotNil(t, prevOut)

		vm, err := txscript.NewEngine(
			prevOut.PkScript, tx, idx, txscript.StandardVerifyFlags,
			nil, sigHashes, prevOut.Value, fetcher,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", idx)
	}
}

// TestSignAllTypes checks that a packet spending every base address type is
// signed, finalized and valid.
func TestSignAllTypes(t *testing.T) {
	t.Parallel()

	// Arrange: one input of each type locked to the same key.
	privKey, pubKey := testKey(1)
	packet := newTestPacket(t,
		testInput{addrtype.Legacy{}, pubKey},
		testInput{addrtype.NestedSegwit{}, pubKey},
		testInput{addrtype.NativeSegwit{}, pubKey},
		testInput{addrtype.Taproot{}, pubKey},
	)
	backend := NewSoftwareBackend(privKey, addrtype.NativeSegwit{})

	inputs, err := InferInputs(packet, pubKey)
	require.NoError(t, err)
	require.Len(t, inputs, 4)

	// Act.
	result, err := backend.Sign(context.Background(), packet, inputs, true)
	require.NoError(t, err)

	// Assert: all inputs are signed and the transaction is valid.
	require.Equal(t, []uint32{0, 1, 2, 3}, result.SignedInputs)
	require.True(t, packet.IsComplete())
	verifyPacket(t, packet)
}

// TestSignWithoutFinalize checks that signatures are placed into the fields
// matching the script version.
func TestSignWithoutFinalize(t *testing.T) {
	t.Parallel()

	privKey, pubKey := testKey(2)
	packet := newTestPacket(t,
		testInput{addrtype.NativeSegwit{}, pubKey},
		testInput{addrtype.Taproot{}, pubKey},
	)
	backend := NewSoftwareBackend(privKey, addrtype.Taproot{})

	inputs, err := InferInputs(packet, pubKey)
	require.NoError(t, err)

	_, err = backend.Sign(context.Background(), packet, inputs, false)
	require.NoError(t, err)

	require.Len(t, packet.Inputs[0].PartialSigs, 1)
	require.Equal(t, pubKey.SerializeCompressed(),
		packet.Inputs[0].PartialSigs[0].PubKey)
	require.Len(t, packet.Inputs[1].TaprootKeySpendSig, 64)
	require.False(t, packet.IsComplete())

	// Signing again adds nothing.
	result, err := backend.Sign(context.Background(), packet, inputs, true)
	require.NoError(t, err)
	require.Empty(t, result.SignedInputs)
	verifyPacket(t, packet)
}

// TestSignTaprootInternalKeyBackfill checks that a taproot account adds the
// missing internal key of its own inputs.
func TestSignTaprootInternalKeyBackfill(t *testing.T) {
	t.Parallel()

	privKey, pubKey := testKey(3)

	testCases := []struct {
		name        string
		addrType    addrtype.AddressType
		expectedKey []byte
	}{
		{
			name:        "taproot account",
			addrType:    addrtype.Taproot{},
			expectedKey: schnorr.SerializePubKey(pubKey),
		},
		{
			name:        "taproot hd account",
			addrType:    addrtype.TaprootHD{},
			expectedKey: schnorr.SerializePubKey(pubKey),
		},
		{
			name:     "native segwit account",
			addrType: addrtype.NativeSegwit{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Arrange: drop the internal key as a third party
			// might.
			packet := newTestPacket(
				t, testInput{addrtype.Taproot{}, pubKey},
			)
			packet.Inputs[0].TaprootInternalKey = nil

			backend := NewSoftwareBackend(privKey, tc.addrType)
			inputs := []InputForSigning{{Index: 0, PubKey: pubKey}}

			// Act.
			_, err := backend.Sign(
				context.Background(), packet, inputs, false,
			)
			require.NoError(t, err)

			// Assert.
			require.Equal(t, tc.expectedKey,
				packet.Inputs[0].TaprootInternalKey)
			require.NotEmpty(t, packet.Inputs[0].TaprootKeySpendSig)
		})
	}
}

// TestSignUntweakedTaproot checks signing an output paying to the raw key.
func TestSignUntweakedTaproot(t *testing.T) {
	t.Parallel()

	privKey, pubKey := testKey(4)
	pkScript, err := txscript.PayToTaprootScript(pubKey)
	require.NoError(t, err)

	utxo := fundingUtxo(0, pkScript, 70_000)
	packet, err := psbt.New(
		[]*wire.OutPoint{&utxo.OutPoint},
		[]*wire.TxOut{wire.NewTxOut(60_000, pkScript)},
		2, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	require.NoError(t, err)
	packet.Inputs[0].WitnessUtxo = utxo.TxOut()

	inputs, err := InferInputs(packet, pubKey)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.True(t, inputs[0].DisableTweak.UnwrapOr(false))

	backend := NewSoftwareBackend(privKey, addrtype.Taproot{})
	_, err = backend.Sign(context.Background(), packet, inputs, true)
	require.NoError(t, err)

	// No internal key is claimed for an untweaked spend.
	require.Empty(t, packet.Inputs[0].TaprootInternalKey)
	verifyPacket(t, packet)

	// Without the flag the same output is not ours.
	packet.Inputs[0].FinalScriptWitness = nil
	_, err = backend.Sign(context.Background(), packet,
		[]InputForSigning{{Index: 0, PubKey: pubKey}}, false)
	require.ErrorIs(t, err, ErrAddressOrKeyMismatch)
}

// TestSignErrors checks the validation done before signing.
func TestSignErrors(t *testing.T) {
	t.Parallel()

	privKey, pubKey := testKey(5)
	_, otherKey := testKey(6)

	testCases := []struct {
		name   string
		owner  *btcec.PublicKey
		mutate func(p *psbt.Packet)
		inputs []InputForSigning
		err    error
	}{
		{
			name:   "index out of range",
			owner:  pubKey,
			inputs: []InputForSigning{{Index: 1, PubKey: pubKey}},
			err:    ErrInvalidInputIndex,
		},
		{
			name:   "negative index",
			owner:  pubKey,
			inputs: []InputForSigning{{Index: -1, PubKey: pubKey}},
			err:    ErrInvalidInputIndex,
		},
		{
			name:   "foreign key",
			owner:  pubKey,
			inputs: []InputForSigning{{Index: 0, PubKey: otherKey}},
			err:    ErrAddressOrKeyMismatch,
		},
		{
			name:   "output of another key",
			owner:  otherKey,
			inputs: []InputForSigning{{Index: 0, PubKey: pubKey}},
			err:    ErrAddressOrKeyMismatch,
		},
		{
			name:  "sighash not allowed",
			owner: pubKey,
			mutate: func(p *psbt.Packet) {
				p.Inputs[0].SighashType = txscript.SigHashNone
			},
			inputs: []InputForSigning{{Index: 0, PubKey: pubKey}},
			err:    ErrSighashNotAllowed,
		},
		{
			name:  "missing utxo",
			owner: pubKey,
			mutate: func(p *psbt.Packet) {
				p.Inputs[0].WitnessUtxo = nil
				p.Inputs[0].NonWitnessUtxo = nil
			},
			inputs: []InputForSigning{{Index: 0, PubKey: pubKey}},
			err:    ErrMissingInputUtxo,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			packet := newTestPacket(
				t, testInput{addrtype.NativeSegwit{}, tc.owner},
			)
			if tc.mutate != nil {
				tc.mutate(packet)
			}

			backend := NewSoftwareBackend(
				privKey, addrtype.NativeSegwit{},
			)
			_, err := backend.Sign(
				context.Background(), packet, tc.inputs, true,
			)
			require.ErrorIs(t, err, tc.err)
			require.Empty(t, packet.Inputs[0].PartialSigs)
		})
	}
}

// TestSignAllowedSighash checks that a non default sighash type is used when
// the caller allows it.
func TestSignAllowedSighash(t *testing.T) {
	t.Parallel()

	privKey, pubKey := testKey(7)
	packet := newTestPacket(t, testInput{addrtype.NativeSegwit{}, pubKey})
	packet.Inputs[0].SighashType = txscript.SigHashSingle |
		txscript.SigHashAnyOneCanPay

	backend := NewSoftwareBackend(privKey, addrtype.NativeSegwit{})
	inputs := []InputForSigning{{
		Index:  0,
		PubKey: pubKey,
		SighashTypes: fn.Some([]txscript.SigHashType{
			txscript.SigHashAll,
			txscript.SigHashSingle | txscript.SigHashAnyOneCanPay,
		}),
	}}

	_, err := backend.Sign(context.Background(), packet, inputs, true)
	require.NoError(t, err)
	verifyPacket(t, packet)
}

// TestSignNoMatchingInputs checks that a packet without inputs of the backend
// is returned unchanged and without error.
func TestSignNoMatchingInputs(t *testing.T) {
	t.Parallel()

	privKey, pubKey := testKey(8)
	_, otherKey := testKey(9)

	packet := newTestPacket(t, testInput{addrtype.Taproot{}, otherKey})

	inputs, err := InferInputs(packet, pubKey)
	require.NoError(t, err)
	require.Empty(t, inputs)

	backend := NewSoftwareBackend(privKey, addrtype.Taproot{})
	result, err := backend.Sign(context.Background(), packet, inputs, true)
	require.NoError(t, err)
	require.Empty(t, result.SignedInputs)
	require.Empty(t, packet.Inputs[0].TaprootKeySpendSig)
}

// TestSignContextCanceled checks that a canceled context aborts signing.
func TestSignContextCanceled(t *testing.T) {
	t.Parallel()

	privKey, pubKey := testKey(10)
	packet := newTestPacket(t, testInput{addrtype.Legacy{}, pubKey})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	backend := NewSoftwareBackend(privKey, addrtype.Legacy{})
	_, err := backend.Sign(
		ctx, packet, []InputForSigning{{Index: 0, PubKey: pubKey}}, true,
	)
	require.ErrorIs(t, err, context.Canceled)
}
