package hwsigner

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/psbtkit/psbtkit/chain"
	"github.com/psbtkit/psbtkit/wallet/addrtype"
	"github.com/psbtkit/psbtkit/wallet/signer"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	// testParams are the chain parameters used throughout the tests.
	testParams = &chaincfg.RegressionNetParams

	// testStart is the initial time of every test clock.
	testStart = time.Unix(1_700_000_000, 0)
)

// mockTransport is a mock implementation of the Transport interface.
type mockTransport struct {
	mock.Mock
}

// A compile time check to ensure mockTransport implements the interface.
var _ Transport = (*mockTransport)(nil)

// Connect implements Transport.
func (m *mockTransport) Connect(ctx context.Context, mode ConnectMode) error {
	args := m.Called(ctx, mode)
	return args.Error(0)
}

// Disconnect implements Transport.
func (m *mockTransport) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

// GetStatus implements Transport.
func (m *mockTransport) GetStatus(ctx context.Context) (AppStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(AppStatus), args.Error(1)
}

// GetWalletPublicKey implements Transport.
func (m *mockTransport) GetWalletPublicKey(ctx context.Context, path string,
	opts PubKeyOptions) (*WalletPublicKey, error) {

	args := m.Called(ctx, path, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*WalletPublicKey), args.Error(1)
}

// SignTransaction implements Transport.
func (m *mockTransport) SignTransaction(ctx context.Context,
	req *SignRequest) ([]InputSignature, error) {

	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]InputSignature), args.Error(1)
}

// SignMessage implements Transport.
func (m *mockTransport) SignMessage(ctx context.Context, path,
	text string) ([]byte, error) {

	args := m.Called(ctx, path, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]byte), args.Error(1)
}

// mockStore is a mock implementation of the CacheStore interface.
type mockStore struct {
	mock.Mock
}

// A compile time check to ensure mockStore implements the interface.
var _ CacheStore = (*mockStore)(nil)

// LoadPubKeys implements CacheStore.
func (m *mockStore) LoadPubKeys() ([]CacheEntry, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]CacheEntry), args.Error(1)
}

// SavePubKeys implements CacheStore.
func (m *mockStore) SavePubKeys(entries ...CacheEntry) error {
	args := m.Called(entries)
	return args.Error(0)
}

// DeletePubKeys implements CacheStore.
func (m *mockStore) DeletePubKeys() error {
	args := m.Called()
	return args.Error(0)
}

// autoClock is a test clock that moves forward by every wait requested from
// it and records the waits.
type autoClock struct {
	*clock.TestClock

	mu    sync.Mutex
	waits []time.Duration
}

// newAutoClock creates an autoClock that runs until the test ends.
func newAutoClock(t *testing.T) *autoClock {
	t.Helper()

	signal := make(chan time.Duration)
	c := &autoClock{
		TestClock: clock.NewTestClockWithTickSignal(testStart, signal),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			select {
			case wait := <-signal:
				c.mu.Lock()
				c.waits = append(c.waits, wait)
				c.mu.Unlock()

				c.SetTime(c.Now().Add(wait))

			case <-ctx.Done():
				return
			}
		}
	}()

	return c
}

// Waits returns the waits requested so far.
func (c *autoClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]time.Duration(nil), c.waits...)
}

// deviceKey returns the private key the test device holds at path.
func deviceKey(path string) *btcec.PrivateKey {
	seed := sha256.Sum256([]byte(path))
	privKey, _ := btcec.PrivKeyFromBytes(seed[:])

	return privKey
}

// expectPubKeys makes the device answer public key requests for the given
// indices below root, each exactly once.
func expectPubKeys(tr *mockTransport, root string, format AddressFormat,
	indices ...uint32) {

	for _, idx := range indices {
		path := PathKey{Root: root, Index: idx}.String()
		pubKey := deviceKey(path).PubKey()

		tr.On("GetWalletPublicKey", mock.Anything, path,
			PubKeyOptions{Format: format}).Return(&WalletPublicKey{
			PublicKey: pubKey.SerializeUncompressed(),
		}, nil).Once()
	}
}

// expectConnect makes the device accept the given number of connections.
func expectConnect(tr *mockTransport, times int) {
	tr.On("Connect", mock.Anything, ModeUSB).Return(nil).Times(times)
}

// expectStatus makes the device report the given app on every request.
func expectStatus(tr *mockTransport, name, version string) {
	tr.On("GetStatus", mock.Anything).Return(AppStatus{
		Name:    name,
		Version: version,
	}, nil)
}

// newTestBackend creates a connected backend on regtest probing root only.
func newTestBackend(t *testing.T, tr *mockTransport, root string,
	mutate func(*Config)) (*Backend, *autoClock) {

	t.Helper()

	clk := newAutoClock(t)
	cfg := DefaultConfig(testParams, tr)
	cfg.Clock = clk
	cfg.Roots = []string{root}
	cfg.ScanLimit = 5
	if mutate != nil {
		mutate(&cfg)
	}

	backend, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, backend.Connect(t.Context()))

	return backend, clk
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

// newTestPacket builds a packet spending one 100k sats output of addrType
// locked to pubKey.
func newTestPacket(t *testing.T, addrType addrtype.AddressType,
	pubKey *btcec.PublicKey) (*psbt.Packet, *chain.UnspentOutput) {

	t.Helper()

	pkScript, err := addrType.PkScript(pubKey)
	require.NoError(t, err)

	utxo := fundingUtxo(1, pkScript, 100_000)
	txIn, pIn, err := addrType.EncodeInput(utxo, pubKey)
	require.NoError(t, err)

	destScript, err := addrtype.NativeSegwit{}.PkScript(
		deviceKey("dest").PubKey(),
	)
	require.NoError(t, err)

	packet, err := psbt.New(
		[]*wire.OutPoint{&txIn.PreviousOutPoint},
		[]*wire.TxOut{wire.NewTxOut(90_000, destScript)}, 2, 0,
		[]uint32{wire.MaxTxInSequenceNum},
	)
	require.NoError(t, err)
	packet.Inputs[0] = *pIn

	return packet, utxo
}

// deviceSignature signs input 0 of packet the way the device would.
func deviceSignature(t *testing.T, packet *psbt.Packet,
	addrType addrtype.AddressType, privKey *btcec.PrivateKey) []byte {

	t.Helper()

	return deviceSignatureAt(t, packet, 0, addrType, privKey)
}

// deviceSignatureAt signs input idx of packet the way the device would.
func deviceSignatureAt(t *testing.T, packet *psbt.Packet, idx int,
	addrType addrtype.AddressType, privKey *btcec.PrivateKey) []byte {

	t.Helper()

	fetcher := signer.PrevOutputFetcher(packet)
	tx := packet.UnsignedTx
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	prevOut := fetcher.FetchPrevOutput(tx.TxIn[idx].PreviousOutPoint)

	var (
		sig []byte
		err error
	)
	switch addrType.(type) {
	case addrtype.Taproot:
		sig, err = txscript.RawTxInTaprootSignature(
			tx, sigHashes, idx, prevOut.Value, prevOut.PkScript,
			nil, txscript.SigHashDefault, privKey,
		)

	case addrtype.NestedSegwit:
		var redeemScript []byte
		redeemScript, err = addrtype.NestedSegwit{}.RedeemScript(
			privKey.PubKey(),
		)
		require.NoError(t, err)

		sig, err = txscript.RawTxInWitnessSignature(
			tx, sigHashes, idx, prevOut.Value, redeemScript,
			txscript.SigHashAll, privKey,
		)

	case addrtype.NativeSegwit:
		sig, err = txscript.RawTxInWitnessSignature(
			tx, sigHashes, idx, prevOut.Value, prevOut.PkScript,
			txscript.SigHashAll, privKey,
		)

	default:
		sig, err = txscript.RawTxInSignature(
			tx, idx, prevOut.PkScript, txscript.SigHashAll, privKey,
		)
	}
	require.NoError(t, err)

	return sig
}

// verifyPacket extracts the final transaction and runs every input through
// the script engine.
func verifyPacket(t *testing.T, packet *psbt.Packet) {
	t.Helper()

	fetcher := signer.PrevOutputFetcher(packet)

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
