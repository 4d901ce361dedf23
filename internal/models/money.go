package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {},
	"CLP": {},
	"DJF": {},
	"GNF": {},
	"JPY": {},
	"KMF": {},
	"KRW": {},
	"PYG": {},
	"RWF": {},
	"UGX": {},
	"VND": {},
	"XAF": {},
	"XOF": {},
}

// CurrencyScale 返回币种最小单位的小数位数
func CurrencyScale(currency string) int32 {
	upper := strings.ToUpper(strings.TrimSpace(currency))
	if _, ok := zeroDecimalCurrencies[upper]; ok {
		return 0
	}
	return 2
}

// FormatMinorAmount 将最小单位金额格式化为主单位字符串
func FormatMinorAmount(minor int64, currency string) string {
	scale := CurrencyScale(currency)
	return decimal.NewFromInt(minor).Shift(-scale).StringFixed(scale)
}

// ParseMinorAmount 将主单位金额字符串转换为最小单位
func ParseMinorAmount(amount string, currency string) (int64, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("amount %q is invalid", amount)
	}
	minor := parsed.Shift(CurrencyScale(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %q precision exceeds currency scale", amount)
	}
	return minor.IntPart(), nil
}

// ApplyBasisPoints 按万分比计算金额，四舍五入到最小单位
func ApplyBasisPoints(amount int64, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(10000)).
		Round(0).
		IntPart()
}
