package profiler

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var nullTokens = map[string]bool{
	"": true, "null": true, "n/a": true, "na": true, "none": true, "nan": true, "-": true, "nil": true,
}

// IsNullToken reports whether s is one of the textual spellings of "no value".
func IsNullToken(s string) bool {
	return nullTokens[strings.ToLower(strings.TrimSpace(s))]
}

// ParseNumber accepts plain numbers plus thousands separators, a leading currency symbol
// and a trailing percent sign.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	s = strings.ReplaceAll(s, ",", "")
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	for _, sym := range []string{"$", "€", "£", "¥", "₹"} {
		s = strings.TrimPrefix(s, sym)
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

var boolTokens = map[string]bool{
	"true": true, "false": false,
	"yes": true, "no": false,
	"y": true, "n": false,
	"t": true, "f": false,
	"1": true, "0": false,
	"churned": true, "retained": false,
	"exited": true, "stayed": false,
}

// ParseBool maps the usual yes/no spellings (and churn outcome words) onto a boolean.
func ParseBool(s string) (bool, bool) {
	b, ok := boolTokens[strings.ToLower(strings.TrimSpace(s))]
	return b, ok
}

var geoPairPattern = regexp.MustCompile(`^\(?\s*(-?\d+(?:\.\d+)?)\s*[,;]\s*(-?\d+(?:\.\d+)?)\s*\)?$`)

// ParseGeoPair parses "lat,lon" (optionally parenthesised) with both parts in range. One part
// must carry a decimal point so "1,250" stays a number with a thousands separator.
func ParseGeoPair(s string) (lat, lon float64, ok bool) {
	m := geoPairPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, false
	}
	if !strings.Contains(m[1], ".") && !strings.Contains(m[2], ".") {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(m[1], 64)
	lon, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}
