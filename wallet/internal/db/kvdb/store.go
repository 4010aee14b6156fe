// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kvdb persists the public keys a hardware device derived, so a
// restarted wallet resolves signing paths without asking the device again.
package kvdb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/psbtkit/psbtkit/wallet/hwsigner"
)

// pubKeyNamespaceKey is the top-level bucket holding the key cache.
var pubKeyNamespaceKey = []byte("hwpubkeys")

// PubKeyStore is the walletdb implementation of hwsigner.CacheStore.
type PubKeyStore struct {
	db walletdb.DB

	// closeDB is set when the store opened db itself and owns it.
	closeDB bool
}

// A compile-time assertion to ensure that PubKeyStore implements the
// hwsigner.CacheStore interface.
var _ hwsigner.CacheStore = (*PubKeyStore)(nil)

// NewPubKeyStore creates a key cache in dbConn, adding its namespace when
// the database does not have one yet.
func NewPubKeyStore(dbConn walletdb.DB) (*PubKeyStore, error) {
	err := walletdb.Update(dbConn, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(pubKeyNamespaceKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create key cache namespace: %w", err)
	}

	return &PubKeyStore{db: dbConn}, nil
}

// entryKey is the bucket key of a cache entry. Keys sort by root and then by
// child index.
func entryKey(key hwsigner.PathKey) []byte {
	k := make([]byte, len(key.Root)+4)
	copy(k, key.Root)
	binary.BigEndian.PutUint32(k[len(key.Root):], key.Index)

	return k
}

// LoadPubKeys returns every stored entry in key order.
func (s *PubKeyStore) LoadPubKeys() ([]hwsigner.CacheEntry, error) {
	var entries []hwsigner.CacheEntry
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(pubKeyNamespaceKey)
		if ns == nil {
			return ErrMissingNamespace
		}

		return ns.ForEach(func(k, v []byte) error {
			entry, err := decodeEntry(v)
			if err != nil {
				return fmt.Errorf("entry %x: %w", k, err)
			}

			entries = append(entries, entry)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// SavePubKeys stores the given entries in a single transaction. An entry
// replaces any earlier one for the same path.
func (s *PubKeyStore) SavePubKeys(entries ...hwsigner.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}

	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(pubKeyNamespaceKey)
		if ns == nil {
			return ErrMissingNamespace
		}

		for _, entry := range entries {
			value, err := encodeEntry(entry)
			if err != nil {
				return err
			}

			err = ns.Put(entryKey(entry.Key), value)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("save %d keys: %w", len(entries), err)
	}

	log.Tracef("Saved %d cached keys", len(entries))

	return nil
}

// DeletePubKeys removes every stored entry.
func (s *PubKeyStore) DeletePubKeys() error {
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		err := tx.DeleteTopLevelBucket(pubKeyNamespaceKey)
		if err != nil && !errors.Is(err, walletdb.ErrBucketNotFound) {
			return err
		}

		_, err = tx.CreateTopLevelBucket(pubKeyNamespaceKey)

		return err
	})
	if err != nil {
		return fmt.Errorf("delete cached keys: %w", err)
	}

	log.Debugf("Deleted all cached keys")

	return nil
}

// Close releases the database when the store opened it.
func (s *PubKeyStore) Close() error {
	if !s.closeDB {
		return nil
	}

	return s.db.Close()
}
