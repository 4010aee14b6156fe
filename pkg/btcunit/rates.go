// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides fee-rate and transaction-size units used when
// planning and pricing transactions.
package btcunit

import (
	"log/slog"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// kilo is a generic multiplier for kilo units.
	kilo = 1000

	// floatStringPrecision is the number of decimal places used when a
	// fee rate is rendered as a string.
	floatStringPrecision = 3
)

var (
	// ZeroSatPerVByte is a fee rate of 0 sat/vb.
	ZeroSatPerVByte = NewSatPerVByte(0)
)

// feeRate stores a fee rate in satoshis per kilo-weight-unit. Every public
// rate type embeds it so fee math happens in a single place.
type feeRate struct {
	satsPerKWU *big.Rat
}

// newFeeRate creates a rate of numerator/denominator sat/kwu. A zero
// denominator yields a zero rate.
func newFeeRate(numerator btcutil.Amount, denominator uint64) feeRate {
	if denominator == 0 {
		return feeRate{satsPerKWU: big.NewRat(0, 1)}
	}

	return feeRate{satsPerKWU: big.NewRat(
		int64(numerator), safeUint64ToInt64(denominator),
	)}
}

// rat returns the rate, treating the zero value as a zero rate.
func (f feeRate) rat() *big.Rat {
	if f.satsPerKWU == nil {
		return big.NewRat(0, 1)
	}

	return f.satsPerKWU
}

// mulWeight returns rate * weight as a rational amount of satoshis.
func (f feeRate) mulWeight(weight WeightUnit) *big.Rat {
	fee := big.NewRat(0, 1)

	return fee.Mul(
		f.rat(), big.NewRat(safeUint64ToInt64(weight.wu), kilo),
	)
}

// FeeForWeight returns the fee for the given weight, truncated.
func (f feeRate) FeeForWeight(weight WeightUnit) btcutil.Amount {
	fee := f.mulWeight(weight)

	quotient := big.NewInt(0)
	quotient.Quo(fee.Num(), fee.Denom())

	return btcutil.Amount(quotient.Int64())
}

// FeeForWeightRoundUp returns the fee for the given weight, rounded up to the
// next whole satoshi.
func (f feeRate) FeeForWeightRoundUp(weight WeightUnit) btcutil.Amount {
	fee := f.mulWeight(weight)

	// Ceiling division: (num + denom - 1) / denom.
	result := big.NewInt(0)
	result.Add(fee.Num(), fee.Denom())
	result.Sub(result, big.NewInt(1))
	result.Quo(result, fee.Denom())

	return btcutil.Amount(result.Int64())
}

// FeeForVSize prices a transaction by its virtual size. The weight is first
// rounded up to whole vbytes, which is how relay policy measures size, and
// the fee is then rounded up to whole satoshis.
func (f feeRate) FeeForVSize(weight WeightUnit) btcutil.Amount {
	return f.FeeForWeightRoundUp(weight.ToVB().ToWU())
}

// SatPerVByte is a fee rate expressed in sat/vbyte.
type SatPerVByte struct {
	feeRate
}

// NewSatPerVByte creates a new fee rate of rate sat/vb.
func NewSatPerVByte(rate btcutil.Amount) SatPerVByte {
	return CalcSatPerVByte(rate, NewVByte(1))
}

// CalcSatPerVByte returns the rate obtained when paying fee for vb vbytes.
func CalcSatPerVByte(fee btcutil.Amount, vb VByte) SatPerVByte {
	return SatPerVByte{newFeeRate(fee*kilo, vb.wu)}
}

// ToSatPerKVByte converts the fee rate to sat/kvb.
func (s SatPerVByte) ToSatPerKVByte() SatPerKVByte {
	return SatPerKVByte{s.feeRate}
}

// String returns the rate in sat/vb.
func (s SatPerVByte) String() string {
	rate := big.NewRat(0, 1)
	rate.Mul(s.rat(), big.NewRat(blockchain.WitnessScaleFactor, kilo))

	return rate.FloatString(floatStringPrecision) + " sat/vb"
}

// Equal returns true if both rates are the same.
func (s SatPerVByte) Equal(other SatPerVByte) bool {
	return s.rat().Cmp(other.rat()) == 0
}

// GreaterThan returns true if s is strictly larger than other.
func (s SatPerVByte) GreaterThan(other SatPerVByte) bool {
	return s.rat().Cmp(other.rat()) > 0
}

// LessThanOrEqual returns true if s is not larger than other.
func (s SatPerVByte) LessThanOrEqual(other SatPerVByte) bool {
	return s.rat().Cmp(other.rat()) <= 0
}

// SatPerKVByte is a fee rate expressed in sat/kvbyte, the unit relay policy
// and btcwallet's txrules use.
type SatPerKVByte struct {
	feeRate
}

// NewSatPerKVByte creates a new fee rate of rate sat/kvb.
func NewSatPerKVByte(rate btcutil.Amount) SatPerKVByte {
	return SatPerKVByte{newFeeRate(rate, blockchain.WitnessScaleFactor)}
}

// Amount returns the rate as whole satoshis per kvbyte, truncated.
func (s SatPerKVByte) Amount() btcutil.Amount {
	rate := big.NewRat(0, 1)
	rate.Mul(s.rat(), big.NewRat(blockchain.WitnessScaleFactor, 1))

	quotient := big.NewInt(0)
	quotient.Quo(rate.Num(), rate.Denom())

	return btcutil.Amount(quotient.Int64())
}

// String returns the rate in sat/kvb.
func (s SatPerKVByte) String() string {
	rate := big.NewRat(0, 1)
	rate.Mul(s.rat(), big.NewRat(blockchain.WitnessScaleFactor, 1))

	return rate.FloatString(floatStringPrecision) + " sat/kvb"
}

// safeUint64ToInt64 converts a uint64 to an int64, capping at math.MaxInt64.
// Sizes handled here are bounded by consensus and never reach the cap.
func safeUint64ToInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		slog.Warn("Capping uint64 value to math.MaxInt64",
			slog.Uint64("old", u), slog.Int64("new", math.MaxInt64))

		return math.MaxInt64
	}

	return int64(u)
}
