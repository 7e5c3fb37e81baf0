package scanner

import (
	"strconv"
	"strings"
)

// normalizeCell trims a rendered cell value and folds integer-valued floats
// ("12.0" -> "12") so catalog numbers match however the sheet stored them.
// Text such as "001" is left alone.
func normalizeCell(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return ""
	}
	switch strings.ToLower(s) {
	case "nan", "nat", "none", "null", "#n/a":
		return ""
	}
	if looksLikeIntegerFloat(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if f > 9e15 || f < -9e15 {
				return s
			}
			i := int64(f)
			if float64(i) == f {
				return strconv.FormatInt(i, 10)
			}
		}
	}
	return s
}

// ^[+-]?\d+\.0+$
func looksLikeIntegerFloat(s string) bool {
	i := 0
	if s[0] == '+' || s[0] == '-' {
		i++
		if i >= len(s) {
			return false
		}
	}
	digits := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
		digits++
	}
	if digits == 0 || i == len(s) || s[i] != '.' {
		return false
	}
	i++
	zeros := 0
	for i < len(s) && s[i] == '0' {
		i++
		zeros++
	}
	return zeros > 0 && i == len(s)
}
