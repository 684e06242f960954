package distributord

import (
	"fmt"
	"math/big"
	"strings"
)

// All on-chain quantities are carried as wei-scale integers (18 decimals).
const amountDecimals = 18

var weiPerUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(amountDecimals), nil)

// parseDecimal converts a human decimal string ("5000", "0.02") into wei-scale
// units. At most 18 fractional digits are supported.
func parseDecimal(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	if strings.HasPrefix(trimmed, "-") {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	whole := trimmed
	frac := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		whole = trimmed[:idx]
		frac = trimmed[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > amountDecimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", raw, amountDecimals)
	}
	wholePart, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", raw)
	}
	result := new(big.Int).Mul(wholePart, weiPerUnit)
	if frac != "" {
		padded := frac + strings.Repeat("0", amountDecimals-len(frac))
		fracPart, ok := new(big.Int).SetString(padded, 10)
		if !ok {
			return nil, fmt.Errorf("invalid decimal amount %q", raw)
		}
		result.Add(result, fracPart)
	}
	return result, nil
}

// formatDecimal renders a wei-scale amount back into a decimal string with
// trailing zeros trimmed.
func formatDecimal(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	quo, rem := new(big.Int).QuoRem(amount, weiPerUnit, new(big.Int))
	if rem.Sign() == 0 {
		return quo.String()
	}
	frac := strings.TrimRight(fmt.Sprintf("%018s", rem.String()), "0")
	return quo.String() + "." + frac
}

// fromFloat converts an API-supplied decimal amount into wei-scale units.
func fromFloat(amount float64) (*big.Int, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	scaled, _ := new(big.Float).Mul(big.NewFloat(amount), new(big.Float).SetInt(weiPerUnit)).Int(nil)
	if scaled.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return scaled, nil
}

// mulBps scales an amount by basis points, rounding down.
func mulBps(amount *big.Int, bps int64) *big.Int {
	scaled := new(big.Int).Mul(amount, big.NewInt(bps))
	return scaled.Quo(scaled, big.NewInt(10000))
}

// ceilDiv returns ceil(a/b).
func ceilDiv(a, b *big.Int) *big.Int {
	quo, rem := new(big.Int).QuoRem(a, b, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}
