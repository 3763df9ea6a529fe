package domain

import (
	"encoding/json"
	"math"
	"strconv"
)

// FormatMajor renders minor units as a plain decimal in major units: 50000 => "500",
// 49999 => "499.99". Stored carts and order rows use this form.
func FormatMajor(minor int64) string {
	if minor%100 == 0 {
		return strconv.FormatInt(minor/100, 10)
	}
	return strconv.FormatFloat(float64(minor)/100, 'f', -1, 64)
}

// MajorNumber is FormatMajor as a JSON number.
func MajorNumber(minor int64) json.Number {
	return json.Number(FormatMajor(minor))
}

// ParseMajor converts a decimal amount in major units to minor units, rounding to the nearest
// minor unit. An empty value is zero.
func ParseMajor(n json.Number) (int64, bool) {
	if n == "" {
		return 0, true
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(math.Round(f * 100)), true
}
