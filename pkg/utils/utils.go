// Package utils provides small helpers shared across the stress backend.
package utils

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DateFormat is the simulator's date form used in INI files and reports.
const DateFormat = "2006.01.02"

var tokenPattern = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// SanitizeToken reduces a string to a filesystem/report-safe token:
// non-alphanumerics collapse to single underscores, trimmed, capped at
// maxLen (0 means no cap).
func SanitizeToken(s string, maxLen int) string {
	tok := tokenPattern.ReplaceAllString(s, "_")
	tok = strings.Trim(tok, "_")
	for strings.Contains(tok, "__") {
		tok = strings.ReplaceAll(tok, "__", "_")
	}
	if maxLen > 0 && len(tok) > maxLen {
		tok = strings.Trim(tok[:maxLen], "_")
	}
	if tok == "" {
		tok = "x"
	}
	return tok
}

// ShortHash returns the first n hex chars of sha1(s).
func ShortHash(s string, n int) string {
	sum := sha1.Sum([]byte(s))
	h := hex.EncodeToString(sum[:])
	if n > 0 && n < len(h) {
		return h[:n]
	}
	return h
}

// ReportName builds a deterministic report file stem from parts. Each
// part is sanitized and capped; the whole name carries a short hash of
// the raw parts so truncation can never make two runs collide.
func ReportName(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		clean = append(clean, SanitizeToken(p, 18))
	}
	raw := strings.Join(parts, ":")
	return strings.Join(clean, "_") + "_" + ShortHash(raw, 8)
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 { return math.Round(v*10) / 10 }

// Round2 rounds to two decimal places.
func Round2(v float64) float64 { return math.Round(v*100) / 100 }

// FormatDate renders a time in the simulator's YYYY.MM.DD form.
func FormatDate(t time.Time) string { return t.Format(DateFormat) }

// FormatParamValue renders a numeric parameter without trailing zeros,
// the way tester INI files print them.
func FormatParamValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseDate parses the simulator's YYYY.MM.DD form.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateFormat, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// ParseReportNumber converts simulator-formatted numbers to float64.
// Reports mix space/NBSP thousands separators with either comma or dot
// decimals: when both separators appear the comma is thousands; a lone
// comma followed by at most two digits is a decimal separator.
func ParseReportNumber(s string) (float64, error) {
	clean := strings.TrimSpace(s)
	clean = strings.ReplaceAll(clean, " ", "")
	clean = strings.ReplaceAll(clean, " ", "")
	clean = strings.TrimSuffix(clean, "%")
	if clean == "" || clean == "-" {
		return 0, fmt.Errorf("empty numeric field %q", s)
	}
	hasComma := strings.Contains(clean, ",")
	hasDot := strings.Contains(clean, ".")
	switch {
	case hasComma && hasDot:
		clean = strings.ReplaceAll(clean, ",", "")
	case hasComma:
		idx := strings.LastIndex(clean, ",")
		if len(clean)-idx-1 <= 2 {
			clean = clean[:idx] + "." + clean[idx+1:]
			clean = strings.ReplaceAll(clean, ",", "")
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	return v, nil
}

// ProfitFactor computes gross_profit / |gross_loss| with the simulator's
// convention of capping at 99 when there are profits but no losses.
func ProfitFactor(grossProfit, grossLoss float64) float64 {
	loss := math.Abs(grossLoss)
	if loss <= 1e-12 {
		if grossProfit > 0 {
			return 99.0
		}
		return 0
	}
	return grossProfit / loss
}

// MaxDrawdownPct walks net profits in the given order against an initial
// balance and returns the largest peak-to-trough drop as a percent of
// the peak.
func MaxDrawdownPct(initial float64, profits []float64) float64 {
	balance := initial
	peak := initial
	maxDD := 0.0
	for _, p := range profits {
		balance += p
		if balance > peak {
			peak = balance
		}
		if peak > 0 {
			dd := (peak - balance) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD * 100
}

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

// Median returns the middle value (average of the two middles for even
// counts), 0 for an empty slice.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// RunID builds a workflow identifier from the EA name and a timestamp.
func RunID(eaName string, t time.Time) string {
	return SanitizeToken(eaName, 40) + "_" + t.Format("20060102_150405")
}

// UniqueUpper uppercases, trims and dedupes symbol lists, dropping any
// entries in the exclusion set.
func UniqueUpper(symbols []string, exclude ...string) []string {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[strings.ToUpper(strings.TrimSpace(e))] = true
	}
	seen := make(map[string]bool)
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" || skip[u] || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
