// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hwsigner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/psbtkit/psbtkit/wallet/addrtype"
)

// ErrInvalidPath is returned for malformed derivation paths.
var ErrInvalidPath = errors.New("invalid derivation path")

// PathKey identifies a derived key by its parent path and child index.
type PathKey struct {
	// Root is the normalized parent path, for example "84'/1'/0'/0".
	Root string

	// Index is the non hardened child index below Root.
	Index uint32
}

// String returns the full derivation path of the key.
func (k PathKey) String() string {
	return fmt.Sprintf("%s/%d", k.Root, k.Index)
}

// ParsePath parses a derivation path like "m/84'/1'/0'/0/3". Hardened
// elements may be marked with ' or h.
func ParsePath(path string) ([]uint32, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "m/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	parts := strings.Split(path, "/")
	elems := make([]uint32, 0, len(parts))
	for _, part := range parts {
		hardened := strings.HasSuffix(part, "'") ||
			strings.HasSuffix(part, "h")
		if hardened {
			part = part[:len(part)-1]
		}

		idx, err := strconv.ParseUint(part, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPath,
				path, err)
		}

		elem := uint32(idx)
		if hardened {
			elem += hdkeychain.HardenedKeyStart
		}
		elems = append(elems, elem)
	}

	return elems, nil
}

// FormatPath formats a derivation path without the leading "m/".
func FormatPath(path []uint32) string {
	parts := make([]string, len(path))
	for i, elem := range path {
		if elem >= hdkeychain.HardenedKeyStart {
			parts[i] = strconv.FormatUint(
				uint64(elem-hdkeychain.HardenedKeyStart), 10,
			) + "'"

			continue
		}

		parts[i] = strconv.FormatUint(uint64(elem), 10)
	}

	return strings.Join(parts, "/")
}

// withCoinType returns a copy of path with its coin type element set to the
// one of params. Paths shorter than purpose/coin are returned unchanged.
func withCoinType(path []uint32, params *chaincfg.Params) []uint32 {
	rewritten := append([]uint32(nil), path...)
	if len(rewritten) >= 2 {
		rewritten[1] = hdkeychain.HardenedKeyStart + params.HDCoinType
	}

	return rewritten
}

// normalizeRoot parses root and rewrites its coin type for params.
func normalizeRoot(root string, params *chaincfg.Params) (string, error) {
	path, err := ParsePath(root)
	if err != nil {
		return "", err
	}

	return FormatPath(withCoinType(path, params)), nil
}

// pathKeyOf splits a full derivation path into its PathKey after rewriting
// the coin type for params.
func pathKeyOf(path string, params *chaincfg.Params) (PathKey, error) {
	elems, err := ParsePath(path)
	if err != nil {
		return PathKey{}, err
	}

	if len(elems) < 2 {
		return PathKey{}, fmt.Errorf("%w: %q has no parent",
			ErrInvalidPath, path)
	}

	elems = withCoinType(elems, params)
	last := elems[len(elems)-1]
	if last >= hdkeychain.HardenedKeyStart {
		return PathKey{}, fmt.Errorf("%w: %q ends hardened",
			ErrInvalidPath, path)
	}

	return PathKey{Root: FormatPath(elems[:len(elems)-1]), Index: last}, nil
}

// purposeOf returns the BIP43 purpose of a normalized root.
func purposeOf(root string) (uint32, error) {
	elems, err := ParsePath(root)
	if err != nil {
		return 0, err
	}

	if elems[0] < hdkeychain.HardenedKeyStart {
		return 0, fmt.Errorf("%w: %q purpose is not hardened",
			ErrInvalidPath, root)
	}

	return elems[0] - hdkeychain.HardenedKeyStart, nil
}

// formatForPurpose maps a BIP43 purpose to the address format the device
// derives and signs for.
func formatForPurpose(purpose uint32) (AddressFormat, error) {
	switch purpose {
	case addrtype.Legacy{}.Purpose():
		return FormatLegacy, nil

	case addrtype.NestedSegwit{}.Purpose():
		return FormatP2SH, nil

	case addrtype.NativeSegwit{}.Purpose():
		return FormatBech32, nil

	case addrtype.Taproot{}.Purpose():
		return FormatBech32m, nil

	default:
		return 0, fmt.Errorf("%w: purpose %d",
			addrtype.ErrUnsupportedAddressType, purpose)
	}
}

// DefaultRoots returns the receive and change roots of account 0 for every
// supported purpose.
func DefaultRoots(params *chaincfg.Params) []string {
	var roots []string
	for _, addrType := range []addrtype.AddressType{
		addrtype.NativeSegwit{}, addrtype.Taproot{},
		addrtype.NestedSegwit{}, addrtype.Legacy{},
	} {
		for branch := 0; branch < 2; branch++ {
			roots = append(roots, fmt.Sprintf("%d'/%d'/0'/%d",
				addrType.Purpose(), params.HDCoinType, branch))
		}
	}

	return roots
}
