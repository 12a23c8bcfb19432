package stress

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

type tickDirCandidate struct {
	dir      string
	server   string
	tkcCount int
	tkcSize  int64
	datSize  int64
}

// FindTickDir locates the tick storage folder for a symbol under the
// terminal data path (bases/<server>/ticks/<SYMBOL>). When several
// server bases carry the symbol it prefers the one with the most month
// files on disk.
func FindTickDir(dataPath, symbol string) (dir, server string, ok bool) {
	sym := canonicalSymbol(symbol)
	if sym == "" {
		sym = strings.TrimSpace(symbol)
	}
	if sym == "" {
		return "", "", false
	}

	basesDir := filepath.Join(dataPath, "bases")
	entries, err := os.ReadDir(basesDir)
	if err != nil {
		return "", "", false
	}

	var candidates []tickDirCandidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tickDir := filepath.Join(basesDir, entry.Name(), "ticks", sym)
		files, err := os.ReadDir(tickDir)
		if err != nil {
			continue
		}
		cand := tickDirCandidate{dir: tickDir, server: entry.Name()}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			switch {
			case strings.HasSuffix(f.Name(), ".tkc"):
				cand.tkcCount++
				cand.tkcSize += info.Size()
			case f.Name() == "ticks.dat":
				cand.datSize = info.Size()
			}
		}
		candidates = append(candidates, cand)
	}
	if len(candidates) == 0 {
		return "", "", false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.tkcCount != b.tkcCount {
			return a.tkcCount > b.tkcCount
		}
		if a.tkcSize != b.tkcSize {
			return a.tkcSize > b.tkcSize
		}
		return a.datSize > b.datSize
	})
	best := candidates[0]
	return best.dir, best.server, true
}

// CheckTickCoverage verifies that every month a tick-model window spans
// has a real tick file on disk. The tester's history-quality figure can
// read 100% even when months are synthesized from minute bars, so the
// .tkc files are checked directly.
func CheckTickCoverage(dataPath, symbol, from, to string, now time.Time) types.TickCoverage {
	start, errFrom := utils.ParseDate(from)
	end, errTo := utils.ParseDate(to)
	if errFrom != nil || errTo != nil {
		return types.TickCoverage{Note: "invalid window dates"}
	}

	dir, server, ok := FindTickDir(dataPath, symbol)
	if !ok {
		return types.TickCoverage{Note: "tick directory not found"}
	}

	cov := types.TickCoverage{
		Server:       server,
		SymbolDir:    dir,
		MonthsNeeded: monthSpan(start, end),
	}
	for _, month := range cov.MonthsNeeded {
		if info, err := os.Stat(filepath.Join(dir, month+".tkc")); err == nil && !info.IsDir() {
			cov.MonthsPresent = append(cov.MonthsPresent, month)
		} else {
			cov.MonthsMissing = append(cov.MonthsMissing, month)
		}
	}

	// ticks.dat is the live cache; it only stands in for the current
	// calendar month.
	endMonth := monthID(end)
	if endMonth == monthID(now) && containsString(cov.MonthsMissing, endMonth) {
		if info, err := os.Stat(filepath.Join(dir, "ticks.dat")); err == nil && info.Size() > 0 {
			cov.MonthsMissing = removeString(cov.MonthsMissing, endMonth)
			cov.Note = "ticks.dat used for current month"
		}
	}

	cov.OK = len(cov.MonthsMissing) == 0
	return cov
}

func monthID(t time.Time) string { return t.Format("200601") }

// monthSpan lists the YYYYMM ids from the start's month through the
// end's month inclusive.
func monthSpan(from, to time.Time) []string {
	var months []string
	year, month := from.Year(), int(from.Month())
	endYear, endMonth := to.Year(), int(to.Month())
	for year < endYear || (year == endYear && month <= endMonth) {
		months = append(months, fmt.Sprintf("%04d%02d", year, month))
		month++
		if month > 12 {
			month = 1
			year++
		}
	}
	return months
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
