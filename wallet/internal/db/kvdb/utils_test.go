package kvdb

import (
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/psbtkit/psbtkit/wallet/hwsigner"
	"github.com/stretchr/testify/require"
)

// newTestDB creates a temporary bdb walletdb for kvdb store tests. The
// database is closed when the test completes.
func newTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "keys.db")

	dbConn, err := walletdb.Create(
		dbDriver, dbPath, true, DefaultDBTimeout, false,
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = dbConn.Close()
	})

	return dbConn
}

// testEntry returns a cache entry with a key derived from its path.
func testEntry(root string, index uint32) hwsigner.CacheEntry {
	key := hwsigner.PathKey{Root: root, Index: index}
	seed := sha256.Sum256([]byte(key.String()))
	priv, _ := btcec.PrivKeyFromBytes(seed[:])

	return hwsigner.CacheEntry{
		Key:    key,
		PubKey: priv.PubKey().SerializeCompressed(),
	}
}
