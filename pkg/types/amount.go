package types

import (
	"fmt"
	"math/big"
	"strings"
)

// EtherDecimals is the number of decimals of the native currency
const EtherDecimals = 18

// Pow10 returns 10^decimals
func Pow10(decimals int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// ParseAmount parses a decimal string ("1", "0.25", "1500.000001") into base units.
// Digits past the given precision are truncated.
func ParseAmount(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("negative amount: %s", amount)
	}

	parts := strings.Split(amount, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}

	if parts[0] == "" && (len(parts) == 1 || parts[1] == "") {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}
	for _, part := range parts {
		if !isDigits(part) {
			return nil, fmt.Errorf("invalid amount: %s", amount)
		}
	}

	wholeStr := parts[0]
	if wholeStr == "" {
		wholeStr = "0"
	}
	whole, ok := new(big.Int).SetString(wholeStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}

	result := new(big.Int).Mul(whole, Pow10(decimals))

	if len(parts) == 2 && parts[1] != "" {
		fracStr := parts[1]
		if len(fracStr) > decimals {
			fracStr = fracStr[:decimals]
		}
		for len(fracStr) < decimals {
			fracStr += "0"
		}
		if fracStr != "" {
			frac, ok := new(big.Int).SetString(fracStr, 10)
			if !ok {
				return nil, fmt.Errorf("invalid decimal: %s", parts[1])
			}
			result.Add(result, frac)
		}
	}

	return result, nil
}

// isDigits reports whether s holds only ASCII digits. big.Int.SetString would
// otherwise accept a sign inside either part.
func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ParseEther parses an ether-denominated decimal into wei
func ParseEther(amount string) (*big.Int, error) {
	return ParseAmount(amount, EtherDecimals)
}

// FormatAmount formats base units for display with at most maxPlaces fractional digits.
// Trailing zeros are trimmed.
func FormatAmount(amount *big.Int, decimals, maxPlaces int) string {
	if amount == nil {
		return "0"
	}

	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	unit := Pow10(decimals)
	whole := new(big.Int).Div(abs, unit)
	frac := new(big.Int).Mod(abs, unit)

	sign := ""
	if neg {
		sign = "-"
	}
	if frac.Sign() == 0 || decimals == 0 || maxPlaces <= 0 {
		return sign + whole.String()
	}

	fracStr := frac.String()
	for len(fracStr) < decimals {
		fracStr = "0" + fracStr
	}
	if len(fracStr) > maxPlaces {
		fracStr = fracStr[:maxPlaces]
	}
	fracStr = strings.TrimRight(fracStr, "0")
	if fracStr == "" {
		return sign + whole.String()
	}
	return sign + whole.String() + "." + fracStr
}
