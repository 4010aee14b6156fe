// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
)

// sizeUnit stores a transaction size in weight units. Both public size types
// embed it.
type sizeUnit struct {
	wu uint64
}

// ToWU converts the size to a WeightUnit.
func (s sizeUnit) ToWU() WeightUnit {
	return WeightUnit{s}
}

// ToVB converts the size to a VByte, rounding partial vbytes up.
func (s sizeUnit) ToVB() VByte {
	vb := (s.wu + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor

	return NewVByte(vb)
}

// WeightUnit expresses a transaction size in weight units, computed as
// `base size * 3 + total size`.
type WeightUnit struct {
	sizeUnit
}

// NewWeightUnit creates a new WeightUnit.
func NewWeightUnit(val uint64) WeightUnit {
	return WeightUnit{sizeUnit{wu: val}}
}

// Add returns the sum of two weights.
func (w WeightUnit) Add(other WeightUnit) WeightUnit {
	return NewWeightUnit(w.wu + other.wu)
}

// Uint64 returns the raw weight.
func (w WeightUnit) Uint64() uint64 {
	return w.wu
}

// String returns the string representation of the weight unit.
func (w WeightUnit) String() string {
	return fmt.Sprintf("%d wu", w.wu)
}

// VByte expresses a transaction size in virtual bytes, a quarter of a weight
// unit.
type VByte struct {
	sizeUnit
}

// NewVByte creates a new VByte.
func NewVByte(val uint64) VByte {
	return VByte{sizeUnit{wu: val * blockchain.WitnessScaleFactor}}
}

// Uint64 returns the size in whole vbytes, rounded up.
func (v VByte) Uint64() uint64 {
	return (v.wu + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor
}

// String returns the string representation of the virtual byte.
func (v VByte) String() string {
	return fmt.Sprintf("%d vb", v.Uint64())
}
