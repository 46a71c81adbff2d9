package eth

import (
	"errors"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("eth: invalid fee args")

// Calc1559Fees returns EIP-1559 fee caps based on the latest block base fee.
//
// Policy:
// - tipCap = max(suggestedTipCap * multiplier, minTipCap)
// - feeCap = 2*baseFee*multiplier + tipCap
func Calc1559Fees(baseFee, suggestedTipCap, minTipCap *big.Int, multiplier float64) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTipCap == nil || minTipCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTipCap.Sign() < 0 || minTipCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	tip := ApplyMultiplier(suggestedTipCap, multiplier)
	if tip.Cmp(minTipCap) < 0 {
		tip.Set(minTipCap)
	}

	fee := ApplyMultiplier(new(big.Int).Mul(baseFee, big.NewInt(2)), multiplier)
	fee.Add(fee, tip)

	return tip, fee, nil
}

// CalcLegacyGasPrice is the pre-London equivalent: max(suggested * multiplier, minGasPrice).
func CalcLegacyGasPrice(suggested, minGasPrice *big.Int, multiplier float64) (*big.Int, error) {
	if suggested == nil || suggested.Sign() < 0 {
		return nil, ErrInvalidFeeArgs
	}
	p := ApplyMultiplier(suggested, multiplier)
	if minGasPrice != nil && p.Cmp(minGasPrice) < 0 {
		p.Set(minGasPrice)
	}
	return p, nil
}

// ApplyMultiplier returns ceil(v * m). Multipliers <= 1 return a copy of v.
func ApplyMultiplier(v *big.Int, m float64) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	if m <= 1 {
		return new(big.Int).Set(v)
	}
	f := new(big.Float).SetPrec(256).SetInt(v)
	f.Mul(f, new(big.Float).SetPrec(256).SetFloat64(m))
	out, acc := f.Int(nil)
	if acc == big.Below {
		out.Add(out, big.NewInt(1))
	}
	return out
}

// Bump1559Fees bumps EIP-1559 fee caps by a percentage, with a minimum absolute bump.
//
// Geth's txpool only accepts replacements priced sufficiently above the transaction they replace.
// Percentage bumps round away for small values, so a minimum increment is also enforced.
func Bump1559Fees(tipCap, feeCap *big.Int, bumpPercent int, minTipBump, minFeeCapBump *big.Int) (newTipCap, newFeeCap *big.Int, err error) {
	if tipCap == nil || feeCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if tipCap.Sign() < 0 || feeCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if bumpPercent <= 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if minTipBump != nil && minTipBump.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if minFeeCapBump != nil && minFeeCapBump.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	newTip := bumpPercentMin(tipCap, bumpPercent, minTipBump)
	newFee := bumpPercentMin(feeCap, bumpPercent, minFeeCapBump)

	// feeCap >= tipCap.
	if newFee.Cmp(newTip) < 0 {
		newFee = new(big.Int).Set(newTip)
	}
	return newTip, newFee, nil
}

// BumpLegacyGasPrice bumps a legacy gas price the same way.
func BumpLegacyGasPrice(gasPrice *big.Int, bumpPercent int, minBump *big.Int) (*big.Int, error) {
	if gasPrice == nil || gasPrice.Sign() < 0 || bumpPercent <= 0 {
		return nil, ErrInvalidFeeArgs
	}
	if minBump != nil && minBump.Sign() < 0 {
		return nil, ErrInvalidFeeArgs
	}
	return bumpPercentMin(gasPrice, bumpPercent, minBump), nil
}

func bumpPercentMin(v *big.Int, bumpPercent int, minBump *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(100+bumpPercent)))
	out.Div(out, big.NewInt(100))
	if minBump != nil && minBump.Sign() > 0 {
		min := new(big.Int).Add(v, minBump)
		if out.Cmp(min) < 0 {
			out = min
		}
	}
	return out
}
