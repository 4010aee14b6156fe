package wallet

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/psbtkit/psbtkit/chain"
	"github.com/psbtkit/psbtkit/wallet/addrtype"
	"github.com/psbtkit/psbtkit/wallet/signer"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	errUtxo  = errors.New("utxo fail")
	errFetch = errors.New("fetch fail")
)

var (
	// chainParams are the chain parameters used throughout the wallet
	// tests.
	chainParams = chaincfg.RegressionNetParams
)

// mockUtxoSource is a mock implementation of chain.UtxoSource.
type mockUtxoSource struct {
	mock.Mock
}

// A compile time check to ensure mockUtxoSource implements the interface.
var _ chain.UtxoSource = (*mockUtxoSource)(nil)

// ListUnspent implements chain.UtxoSource.
func (m *mockUtxoSource) ListUnspent(ctx context.Context,
	addr btcutil.Address) ([]chain.UnspentOutput, error) {

	args := m.Called(ctx, addr)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]chain.UnspentOutput), args.Error(1)
}

// mockTxSource is a mock implementation of chain.TxSource.
type mockTxSource struct {
	mock.Mock
}

// A compile time check to ensure mockTxSource implements the interface.
var _ chain.TxSource = (*mockTxSource)(nil)

// FetchTx implements chain.TxSource.
func (m *mockTxSource) FetchTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	args := m.Called(ctx, txid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*wire.MsgTx), args.Error(1)
}

// testKey returns a deterministic key pair.
func testKey(b byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	return btcec.PrivKeyFromBytes(bytes.Repeat([]byte{b}, 32))
}

// fundingUtxo creates a coin of value locked to pkScript. The seed makes the
// outpoint unique.
func fundingUtxo(seed uint32, pkScript []byte,
	value btcutil.Amount) chain.UnspentOutput {

	prevTx := wire.NewMsgTx(2)
	prevTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: seed}, nil, nil))
	prevTx.AddTxOut(wire.NewTxOut(int64(value), pkScript))

	return chain.UnspentOutput{
		OutPoint: wire.OutPoint{Hash: prevTx.TxHash()},
		Value:    value,
		PkScript: pkScript,
		PrevTx:   prevTx,
	}
}

// testSender returns a sender of the given type and the matching key.
func testSender(t *testing.T, addrType addrtype.AddressType,
	b byte) (Sender, *btcec.PrivateKey, []byte) {

	t.Helper()

	privKey, pubKey := testKey(b)
	pkScript, err := addrType.PkScript(pubKey)
	require.NoError(t, err)

	return Sender{AddrType: addrType, PubKey: pubKey}, privKey, pkScript
}

// destScript returns a P2WPKH script that no test sender owns.
func destScript(t *testing.T) []byte {
	t.Helper()

	_, pubKey := testKey(0x77)
	pkScript, err := addrtype.NativeSegwit{}.PkScript(pubKey)
	require.NoError(t, err)

	return pkScript
}

// testWallet creates a wallet on regtest with the given collaborators.
func testWallet(t *testing.T, utxos chain.UtxoSource,
	txs chain.TxSource) *Wallet {

	t.Helper()

	cfg := DefaultConfig(&chainParams)
	cfg.Utxos = utxos
	cfg.Txs = txs

	w, err := New(cfg)
	require.NoError(t, err)

	return w
}

// registerSoftware registers a software account for privKey.
func registerSoftware(t *testing.T, w *Wallet, name string,
	addrType addrtype.AddressType, privKey *btcec.PrivateKey) {

	t.Helper()

	backend := signer.NewSoftwareBackend(privKey, addrType)
	err := w.RegisterAccount(Account{
		Name:     name,
		Kind:     KindSoftware,
		AddrType: addrType,
		PubKey:   privKey.PubKey(),
	}, backend)
	require.NoError(t, err)
}
