package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies whose minor unit equals the major unit.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds to two decimal places, half away from zero. Amounts handled by the
// settlement workflow are never negative, so this is round-half-up.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MinorUnits converts a major-unit amount to the integer minor units a gateway expects.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Mul(hundred).Round(0).IntPart()
}

// NormalizeCurrency upper-cases an ISO 4217 code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
