// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kvdb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/psbtkit/psbtkit/wallet/hwsigner"
)

const (
	entryRootType   tlv.Type = 0
	entryIndexType  tlv.Type = 1
	entryPubKeyType tlv.Type = 2
)

// ErrCorruptEntry is returned for stored entries that do not decode to a
// path and a compressed public key.
var ErrCorruptEntry = errors.New("corrupt key cache entry")

// encodeEntry serializes an entry as a TLV stream.
func encodeEntry(entry hwsigner.CacheEntry) ([]byte, error) {
	if len(entry.PubKey) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("%w: %s has a %d byte key",
			ErrCorruptEntry, entry.Key, len(entry.PubKey))
	}

	root := []byte(entry.Key.Root)
	index := entry.Key.Index
	pubKey := entry.PubKey

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(entryRootType, &root),
		tlv.MakePrimitiveRecord(entryIndexType, &index),
		tlv.MakePrimitiveRecord(entryPubKeyType, &pubKey),
	)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeEntry parses an entry written by encodeEntry.
func decodeEntry(value []byte) (hwsigner.CacheEntry, error) {
	var (
		root   []byte
		index  uint32
		pubKey []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(entryRootType, &root),
		tlv.MakePrimitiveRecord(entryIndexType, &index),
		tlv.MakePrimitiveRecord(entryPubKeyType, &pubKey),
	)
	if err != nil {
		return hwsigner.CacheEntry{}, err
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(value))
	if err != nil {
		return hwsigner.CacheEntry{}, fmt.Errorf("%w: %w",
			ErrCorruptEntry, err)
	}

	for _, typ := range []tlv.Type{
		entryRootType, entryIndexType, entryPubKeyType,
	} {
		if _, ok := parsed[typ]; !ok {
			return hwsigner.CacheEntry{}, fmt.Errorf("%w: missing "+
				"type %d", ErrCorruptEntry, typ)
		}
	}

	if _, err := btcec.ParsePubKey(pubKey); err != nil {
		return hwsigner.CacheEntry{}, fmt.Errorf("%w: %w",
			ErrCorruptEntry, err)
	}

	return hwsigner.CacheEntry{
		Key:    hwsigner.PathKey{Root: string(root), Index: index},
		PubKey: pubKey,
	}, nil
}
