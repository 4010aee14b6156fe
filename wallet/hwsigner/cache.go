// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hwsigner

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/psbtkit/psbtkit/chain"
	"github.com/psbtkit/psbtkit/wallet/addrtype"
	"golang.org/x/sync/singleflight"
)

// CacheEntry is one derived public key.
type CacheEntry struct {
	// Key is the derivation of the public key.
	Key PathKey

	// PubKey is the compressed public key.
	PubKey []byte
}

// CacheStore persists derived public keys across runs.
type CacheStore interface {
	// LoadPubKeys returns every stored entry.
	LoadPubKeys() ([]CacheEntry, error)

	// SavePubKeys stores the entries, replacing existing ones with the
	// same key.
	SavePubKeys(entries ...CacheEntry) error

	// DeletePubKeys removes every stored entry.
	DeletePubKeys() error
}

// PubKeyCache maps derivation paths to compressed public keys. Writes to the
// same path replace the previous key. It is safe for concurrent use.
type PubKeyCache struct {
	mu   sync.RWMutex
	keys map[PathKey][]byte
}

// NewPubKeyCache creates an empty cache.
func NewPubKeyCache() *PubKeyCache {
	return &PubKeyCache{keys: make(map[PathKey][]byte)}
}

// Get returns the public key derived at key.
func (c *PubKeyCache) Get(key PathKey) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pubKey, ok := c.keys[key]

	return pubKey, ok
}

// Put stores the public key derived at key.
func (c *PubKeyCache) Put(key PathKey, pubKey []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.keys[key] = bytes.Clone(pubKey)
}

// Find returns the derivation of pubKey. When several paths derive the same
// key the one sorting first wins.
func (c *PubKeyCache) Find(pubKey []byte) (PathKey, bool) {
	for _, entry := range c.Entries() {
		if bytes.Equal(entry.PubKey, pubKey) {
			return entry.Key, true
		}
	}

	return PathKey{}, false
}

// Roots returns the distinct roots of the cached keys in order.
func (c *PubKeyCache) Roots() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	roots := make([]string, 0, len(c.keys))
	for key := range c.keys {
		roots = append(roots, key.Root)
	}
	slices.Sort(roots)

	return slices.Compact(roots)
}

// Entries returns every cached key ordered by root and index.
func (c *PubKeyCache) Entries() []CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]CacheEntry, 0, len(c.keys))
	for key, pubKey := range c.keys {
		entries = append(entries, CacheEntry{Key: key, PubKey: pubKey})
	}

	slices.SortFunc(entries, func(a, b CacheEntry) int {
		return cmp.Or(
			cmp.Compare(a.Key.Root, b.Key.Root),
			cmp.Compare(a.Key.Index, b.Key.Index),
		)
	})

	return entries
}

// Len returns the number of cached keys.
func (c *PubKeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.keys)
}

// Clear drops every cached key.
func (c *PubKeyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.keys)
}

// prevTxCache holds the previous transactions sent along with signing
// requests. Concurrent lookups of the same id share one fetch.
type prevTxCache struct {
	source chain.TxSource
	group  singleflight.Group

	mu  sync.RWMutex
	txs map[chainhash.Hash]*wire.MsgTx
}

// newPrevTxCache creates a cache backed by source, which may be nil.
func newPrevTxCache(source chain.TxSource) *prevTxCache {
	return &prevTxCache{
		source: source,
		txs:    make(map[chainhash.Hash]*wire.MsgTx),
	}
}

// add stores tx under its id.
func (c *prevTxCache) add(tx *wire.MsgTx) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.txs[tx.TxHash()] = tx
}

// lookup returns a cached transaction.
func (c *prevTxCache) lookup(txid chainhash.Hash) (*wire.MsgTx, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tx, ok := c.txs[txid]

	return tx, ok
}

// fetch returns the transaction with the given id from the cache or the
// source.
func (c *prevTxCache) fetch(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	if tx, ok := c.lookup(txid); ok {
		return tx, nil
	}

	if c.source == nil {
		return nil, fmt.Errorf("%w: %v and no tx source",
			addrtype.ErrMissingPrevTx, txid)
	}

	result, err, _ := c.group.Do(txid.String(), func() (any, error) {
		// A fetch that finished since the lookup above already filled
		// the cache.
		if tx, ok := c.lookup(txid); ok {
			return tx, nil
		}

		tx, err := c.source.FetchTx(ctx, txid)
		if err != nil {
			return nil, err
		}

		if tx.TxHash() != txid {
			return nil, fmt.Errorf("%w: fetched %v for %v",
				addrtype.ErrPrevTxMismatch, tx.TxHash(), txid)
		}

		c.add(tx)

		return tx, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch previous tx %v: %w", txid, err)
	}

	return result.(*wire.MsgTx), nil
}
