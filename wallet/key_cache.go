// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"path/filepath"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/psbtkit/psbtkit/wallet/hwsigner"
	"github.com/psbtkit/psbtkit/wallet/internal/db/kvdb"
)

// KeyCacheDBName is the file name of the device key cache inside a data
// directory.
const KeyCacheDBName = "hwkeys.db"

// KeyCache is a persistent store for the public keys a hardware device
// derived. It must be closed once the backend using it is done.
type KeyCache interface {
	hwsigner.CacheStore

	// Close releases the underlying database.
	Close() error
}

// OpenKeyCache opens or creates the device key cache in dataDir.
func OpenKeyCache(dataDir string, timeout time.Duration) (KeyCache, error) {
	store, err := kvdb.Open(filepath.Join(dataDir, KeyCacheDBName), timeout)
	if err != nil {
		return nil, err
	}

	return store, nil
}

// UseKeyCacheLogger sets the logger of the key cache database.
func UseKeyCacheLogger(logger btclog.Logger) {
	kvdb.UseLogger(logger)
}
