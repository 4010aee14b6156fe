// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kvdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"

	// The bolt backed driver registers itself as "bdb".
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	// dbDriver is the walletdb driver used for key cache files.
	dbDriver = "bdb"

	// DefaultDBTimeout is how long opening the database waits for the
	// file lock.
	DefaultDBTimeout = 10 * time.Second
)

// ErrMissingNamespace is returned when the key cache bucket is absent.
var ErrMissingNamespace = errors.New("missing key cache namespace")

// Open opens the key cache database at dbPath, creating the file and its
// directory when they do not exist yet.
func Open(dbPath string, timeout time.Duration) (*PubKeyStore, error) {
	if timeout <= 0 {
		timeout = DefaultDBTimeout
	}

	var (
		dbConn walletdb.DB
		err    error
	)

	_, statErr := os.Stat(dbPath)
	switch {
	case statErr == nil:
		dbConn, err = walletdb.Open(dbDriver, dbPath, true, timeout, false)

	case errors.Is(statErr, os.ErrNotExist):
		err = os.MkdirAll(filepath.Dir(dbPath), 0700)
		if err != nil {
			return nil, err
		}

		dbConn, err = walletdb.Create(
			dbDriver, dbPath, true, timeout, false,
		)

	default:
		return nil, statErr
	}
	if err != nil {
		return nil, fmt.Errorf("open key cache %s: %w", dbPath, err)
	}

	store, err := NewPubKeyStore(dbConn)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	store.closeDB = true
	log.Debugf("Opened key cache at %s", dbPath)

	return store, nil
}
