package kvdb

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/psbtkit/psbtkit/wallet/addrtype"
	"github.com/psbtkit/psbtkit/wallet/hwsigner"
	"github.com/stretchr/testify/require"
)

const (
	nativeRoot  = "84'/1'/0'/0"
	changeRoot  = "84'/1'/0'/1"
	taprootRoot = "86'/1'/0'/0"
)

// TestSaveLoadPubKeys checks that saved entries come back in path order.
func TestSaveLoadPubKeys(t *testing.T) {
	t.Parallel()

	// Arrange: An empty store.
	store, err := NewPubKeyStore(newTestDB(t))
	require.NoError(t, err)

	entries, err := store.LoadPubKeys()
	require.NoError(t, err)
	require.Empty(t, entries)

	// Act: Save entries out of order, in two batches.
	require.NoError(t, store.SavePubKeys(
		testEntry(taprootRoot, 0), testEntry(nativeRoot, 300),
	))
	require.NoError(t, store.SavePubKeys(
		testEntry(nativeRoot, 2), testEntry(changeRoot, 0),
	))
	require.NoError(t, store.SavePubKeys())

	// Assert: Entries are ordered by root and then numerically by index.
	entries, err = store.LoadPubKeys()
	require.NoError(t, err)
	require.Equal(t, []hwsigner.CacheEntry{
		testEntry(nativeRoot, 2), testEntry(nativeRoot, 300),
		testEntry(changeRoot, 0), testEntry(taprootRoot, 0),
	}, entries)
}

// TestSavePubKeysReplaces checks that the last write to a path wins.
func TestSavePubKeysReplaces(t *testing.T) {
	t.Parallel()

	store, err := NewPubKeyStore(newTestDB(t))
	require.NoError(t, err)

	replaced := testEntry(nativeRoot, 1)
	replaced.PubKey = testEntry(nativeRoot, 9).PubKey

	require.NoError(t, store.SavePubKeys(testEntry(nativeRoot, 1)))
	require.NoError(t, store.SavePubKeys(replaced))

	entries, err := store.LoadPubKeys()
	require.NoError(t, err)
	require.Equal(t, []hwsigner.CacheEntry{replaced}, entries)
}

// TestSavePubKeysRejectsBadKey checks that a batch with an invalid key is
// not written at all.
func TestSavePubKeysRejectsBadKey(t *testing.T) {
	t.Parallel()

	store, err := NewPubKeyStore(newTestDB(t))
	require.NoError(t, err)

	bad := testEntry(nativeRoot, 1)
	bad.PubKey = bad.PubKey[1:]

	err = store.SavePubKeys(testEntry(nativeRoot, 0), bad)
	require.ErrorIs(t, err, ErrCorruptEntry)

	entries, err := store.LoadPubKeys()
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestDeletePubKeys checks that deleting leaves a usable empty store.
func TestDeletePubKeys(t *testing.T) {
	t.Parallel()

	store, err := NewPubKeyStore(newTestDB(t))
	require.NoError(t, err)

	require.NoError(t, store.SavePubKeys(
		testEntry(nativeRoot, 0), testEntry(taprootRoot, 4),
	))
	require.NoError(t, store.DeletePubKeys())

	entries, err := store.LoadPubKeys()
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, store.SavePubKeys(testEntry(taprootRoot, 5)))
	entries, err = store.LoadPubKeys()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

// TestLoadCorruptEntry checks that undecodable records are reported.
func TestLoadCorruptEntry(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		value func(t *testing.T) []byte
	}{
		{
			name: "truncated stream",
			value: func(t *testing.T) []byte {
				value, err := encodeEntry(testEntry(nativeRoot, 0))
				require.NoError(t, err)

				return value[:len(value)-3]
			},
		},
		{
			name: "missing public key",
			value: func(t *testing.T) []byte {
				value, err := encodeEntry(testEntry(nativeRoot, 0))
				require.NoError(t, err)

				// Drop the type, length and 33 key bytes.
				return value[:len(value)-35]
			},
		},
		{
			name: "key out of range",
			value: func(t *testing.T) []byte {
				entry := testEntry(nativeRoot, 0)
				entry.PubKey = append([]byte{0x02},
					bytes.Repeat([]byte{0xff}, 32)...)

				value, err := encodeEntry(entry)
				require.NoError(t, err)

				return value
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Arrange: Write the raw value behind the store's back.
			dbConn := newTestDB(t)
			store, err := NewPubKeyStore(dbConn)
			require.NoError(t, err)

			value := tc.value(t)
			err = walletdb.Update(dbConn,
				func(tx walletdb.ReadWriteTx) error {
					ns := tx.ReadWriteBucket(pubKeyNamespaceKey)

					return ns.Put([]byte("k"), value)
				},
			)
			require.NoError(t, err)

			// Act and assert.
			_, err = store.LoadPubKeys()
			require.ErrorIs(t, err, ErrCorruptEntry)
		})
	}
}

// TestOpenReopen checks that Open creates the file and that entries
// survive closing it.
func TestOpenReopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "keys.db")

	store, err := Open(dbPath, 0)
	require.NoError(t, err)
	require.NoError(t, store.SavePubKeys(testEntry(taprootRoot, 7)))
	require.NoError(t, store.Close())

	store, err = Open(dbPath, DefaultDBTimeout)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	entries, err := store.LoadPubKeys()
	require.NoError(t, err)
	require.Equal(t, []hwsigner.CacheEntry{testEntry(taprootRoot, 7)},
		entries)
}

// offlineTransport is a device that must never be asked anything.
type offlineTransport struct {
	hwsigner.Transport
}

// TestBackendRestoresKeys checks that a hardware backend resolves stored
// keys without talking to the device.
func TestBackendRestoresKeys(t *testing.T) {
	t.Parallel()

	// Arrange: A store holding two derived keys.
	store, err := NewPubKeyStore(newTestDB(t))
	require.NoError(t, err)
	require.NoError(t, store.SavePubKeys(
		testEntry(nativeRoot, 0), testEntry(nativeRoot, 1),
	))

	cfg := hwsigner.DefaultConfig(
		&chaincfg.RegressionNetParams, offlineTransport{},
	)
	cfg.Store = store

	backend, err := hwsigner.New(cfg)
	require.NoError(t, err)

	pubKey, err := btcec.ParsePubKey(testEntry(nativeRoot, 1).PubKey)
	require.NoError(t, err)

	// Act.
	key, err := backend.ResolvePath(
		t.Context(), pubKey, addrtype.NativeSegwit{},
	)

	// Assert: The path comes from the store.
	require.NoError(t, err)
	require.Equal(t, hwsigner.PathKey{Root: nativeRoot, Index: 1}, key)

	// Forgetting the keys clears the store too.
	require.NoError(t, backend.ForgetKeys())
	entries, err := store.LoadPubKeys()
	require.NoError(t, err)
	require.Empty(t, entries)
}
