package report

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// ExtractionResult is the deal-stream view of a statement: completed
// trades plus the balance bookends needed for equity curves.
type ExtractionResult struct {
	Trades         []types.Trade `json:"trades"`
	InitialBalance float64       `json:"initial_balance"`
	FinalBalance   float64       `json:"final_balance"`
}

// dealsRowRe matches one row of the statement's deal table: Time, Deal,
// Symbol, Type, Direction, Volume, Price, Order, Commission, Swap,
// Profit, Balance. It is the only 12-cell table a statement contains.
var dealsRowRe = regexp.MustCompile(`(?is)<tr[^>]*>\s*` +
	`<td[^>]*>([^<]+)</td>\s*` +
	`<td[^>]*>(\d+)</td>\s*` +
	`<td[^>]*>([^<]*)</td>\s*` +
	`<td[^>]*>([^<]+)</td>\s*` +
	`<td[^>]*>([^<]*)</td>\s*` +
	`<td[^>]*>([^<]*)</td>\s*` +
	`<td[^>]*>([^<]*)</td>\s*` +
	`<td[^>]*>([^<]*)</td>\s*` +
	`<td[^>]*>([^<]*)</td>\s*` +
	`<td[^>]*>([^<]*)</td>\s*` +
	`<td[^>]*>([^<]*)</td>\s*` +
	`<td[^>]*>([^<]*)</td>`)

var depositRe = regexp.MustCompile(`(?i)Initial [Dd]eposit:?[^<]*<[^>]*>([0-9.,\s ]+)`)

// deal is one parsed row of the stream.
type deal struct {
	time       time.Time
	ticket     int
	symbol     string
	side       types.TradeSide
	direction  string
	volume     decimal.Decimal
	price      float64
	commission decimal.Decimal
	swap       decimal.Decimal
	profit     decimal.Decimal
	balance    float64
}

// openLot is an entry (or the residue of one) awaiting its exit. Entry
// commission and swap ride along so the matching close can absorb them
// and per-trade nets reconcile with the statement total.
type openLot struct {
	ticket     int
	symbol     string
	side       types.TradeSide
	remaining  decimal.Decimal
	openTime   time.Time
	openPrice  float64
	commission decimal.Decimal
	swap       decimal.Decimal
}

// ExtractTrades walks the statement's deal table and reassembles
// completed round-trip trades. Exits match entries FIFO by symbol and
// opposite side (symbol-only as fallback); partial exits take a
// proportional share of the entry's remaining costs and the final exit
// flushes whatever is left. Exits with no matching entry become
// standalone records rather than being dropped.
func (p *Parser) ExtractTrades(path string) (*ExtractionResult, error) {
	content, err := decodeReportFile(path)
	if err != nil {
		return nil, fmt.Errorf("read statement: %w", err)
	}
	res := extractFromContent(content)
	if len(res.Trades) == 0 {
		return nil, fmt.Errorf("statement %s: no trades in deal table", path)
	}
	p.logger.Debug("extracted deal stream",
		zap.String("path", path),
		zap.Int("trades", len(res.Trades)),
		zap.Float64("initial_balance", res.InitialBalance))
	return res, nil
}

func extractFromContent(content string) *ExtractionResult {
	content = strings.ReplaceAll(content, "&nbsp;", " ")
	res := &ExtractionResult{}

	if m := depositRe.FindStringSubmatch(content); m != nil {
		if v, err := utils.ParseReportNumber(m[1]); err == nil {
			res.InitialBalance = v
		}
	}

	var lots []openLot
	for _, m := range dealsRowRe.FindAllStringSubmatch(content, -1) {
		d, ok := parseDealRow(m)
		if !ok {
			continue
		}

		if d.side != types.TradeSideBuy && d.side != types.TradeSideSell {
			// Balance rows bracket the session.
			if res.InitialBalance == 0 {
				res.InitialBalance = d.balance
			}
			res.FinalBalance = d.balance
			continue
		}

		switch d.direction {
		case "in":
			lots = append(lots, lotFromDeal(d))
		case "inout":
			// A reversal closes the prior exposure and reopens in one
			// row; the row's own numbers form a complete trade and the
			// new exposure starts a fresh lot.
			res.Trades = append(res.Trades, types.Trade{
				Ticket:      d.ticket,
				Symbol:      d.symbol,
				Side:        d.side,
				Volume:      d.volume.InexactFloat64(),
				OpenTime:    d.time,
				CloseTime:   d.time,
				OpenPrice:   d.price,
				ClosePrice:  d.price,
				Commission:  d.commission.InexactFloat64(),
				Swap:        d.swap.InexactFloat64(),
				GrossProfit: d.profit.InexactFloat64(),
				NetProfit:   d.profit.Add(d.commission).Add(d.swap).InexactFloat64(),
			})
			res.FinalBalance = d.balance
			lot := lotFromDeal(d)
			// The row's costs are already booked on its own trade.
			lot.commission = decimal.Zero
			lot.swap = decimal.Zero
			lots = append(lots, lot)
		case "out":
			res.Trades = append(res.Trades, closeAgainstLots(&lots, d)...)
			res.FinalBalance = d.balance
		}
	}
	return res
}

func lotFromDeal(d deal) openLot {
	return openLot{
		ticket:     d.ticket,
		symbol:     d.symbol,
		side:       d.side,
		remaining:  d.volume,
		openTime:   d.time,
		openPrice:  d.price,
		commission: d.commission,
		swap:       d.swap,
	}
}

// closeAgainstLots consumes open lots FIFO until the exit volume is
// spent. The exit row's profit/commission/swap are split across the
// lots it closes in volume proportion, with the last slice taking the
// exact remainder so the splits sum back to the row.
func closeAgainstLots(lots *[]openLot, d deal) []types.Trade {
	var trades []types.Trade
	closeVol := d.volume
	rowVol := d.volume

	spentProfit := decimal.Zero
	spentComm := decimal.Zero
	spentSwap := decimal.Zero

	for closeVol.IsPositive() {
		idx := matchLot(*lots, d)
		if idx < 0 {
			break
		}
		lot := &(*lots)[idx]

		sliceVol := closeVol
		finalSlice := true
		if lot.remaining.LessThan(closeVol) {
			sliceVol = lot.remaining
			finalSlice = false
		}

		// Exit-row share for this slice.
		var profit, comm, swap decimal.Decimal
		if finalSlice {
			profit = d.profit.Sub(spentProfit)
			comm = d.commission.Sub(spentComm)
			swap = d.swap.Sub(spentSwap)
		} else {
			frac := sliceVol.Div(rowVol)
			profit = d.profit.Mul(frac)
			comm = d.commission.Mul(frac)
			swap = d.swap.Mul(frac)
		}
		spentProfit = spentProfit.Add(profit)
		spentComm = spentComm.Add(comm)
		spentSwap = spentSwap.Add(swap)

		// Entry-cost share: proportional on a partial close, the full
		// remainder when the lot is finished.
		var entryComm, entrySwap decimal.Decimal
		if sliceVol.GreaterThanOrEqual(lot.remaining) {
			entryComm = lot.commission
			entrySwap = lot.swap
		} else {
			frac := sliceVol.Div(lot.remaining)
			entryComm = lot.commission.Mul(frac)
			entrySwap = lot.swap.Mul(frac)
		}
		lot.commission = lot.commission.Sub(entryComm)
		lot.swap = lot.swap.Sub(entrySwap)

		totalComm := comm.Add(entryComm)
		totalSwap := swap.Add(entrySwap)
		trades = append(trades, types.Trade{
			Ticket:      lot.ticket,
			Symbol:      lot.symbol,
			Side:        lot.side,
			Volume:      sliceVol.InexactFloat64(),
			OpenTime:    lot.openTime,
			CloseTime:   d.time,
			OpenPrice:   lot.openPrice,
			ClosePrice:  d.price,
			Commission:  totalComm.InexactFloat64(),
			Swap:        totalSwap.InexactFloat64(),
			GrossProfit: profit.InexactFloat64(),
			NetProfit:   profit.Add(totalComm).Add(totalSwap).InexactFloat64(),
		})

		lot.remaining = lot.remaining.Sub(sliceVol)
		closeVol = closeVol.Sub(sliceVol)
		if !lot.remaining.IsPositive() {
			*lots = append((*lots)[:idx], (*lots)[idx+1:]...)
		}
	}

	if closeVol.IsPositive() {
		// Orphan exit: keep it as a standalone record so the running
		// profit still reconciles.
		profit := d.profit.Sub(spentProfit)
		comm := d.commission.Sub(spentComm)
		swap := d.swap.Sub(spentSwap)
		trades = append(trades, types.Trade{
			Ticket:      d.ticket,
			Symbol:      d.symbol,
			Side:        d.side,
			Volume:      closeVol.InexactFloat64(),
			OpenTime:    d.time,
			CloseTime:   d.time,
			OpenPrice:   d.price,
			ClosePrice:  d.price,
			Commission:  comm.InexactFloat64(),
			Swap:        swap.InexactFloat64(),
			GrossProfit: profit.InexactFloat64(),
			NetProfit:   profit.Add(comm).Add(swap).InexactFloat64(),
		})
	}
	return trades
}

// matchLot returns the oldest lot the exit can close: same symbol and
// opposite side first, same symbol alone when sides do not line up.
func matchLot(lots []openLot, d deal) int {
	want := d.side.Opposite()
	for i, lot := range lots {
		if lot.symbol == d.symbol && lot.side == want {
			return i
		}
	}
	for i, lot := range lots {
		if lot.symbol == d.symbol {
			return i
		}
	}
	return -1
}

func parseDealRow(m []string) (deal, bool) {
	ticket, err := strconv.Atoi(strings.TrimSpace(m[2]))
	if err != nil {
		return deal{}, false
	}
	d := deal{
		ticket:    ticket,
		symbol:    strings.TrimSpace(m[3]),
		side:      types.TradeSide(strings.ToLower(strings.TrimSpace(m[4]))),
		direction: strings.ToLower(strings.TrimSpace(m[5])),
		time:      parseDealTime(m[1]),
	}
	d.volume = parseDecimalCell(m[6])
	d.price, _ = parseFloatCell(m[7])
	d.commission = parseDecimalCell(m[9])
	d.swap = parseDecimalCell(m[10])
	d.profit = parseDecimalCell(m[11])
	d.balance, _ = parseFloatCell(m[12])
	return d, true
}

func parseFloatCell(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := utils.ParseReportNumber(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseDecimalCell(s string) decimal.Decimal {
	v, ok := parseFloatCell(s)
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

// dealTimeLayouts covers the timestamp spellings statements use.
var dealTimeLayouts = []string{
	"2006.01.02 15:04:05",
	"2006.01.02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseDealTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dealTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Unix(0, 0).UTC()
}

// ComputeEquityCurve replays trades in close-time order and returns the
// balance after each one, starting from the initial balance.
func ComputeEquityCurve(trades []types.Trade, initialBalance float64) []float64 {
	if len(trades) == 0 {
		if initialBalance > 0 {
			return []float64{initialBalance}
		}
		return nil
	}
	ordered := make([]types.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, k int) bool {
		return ordered[i].CloseTime.Before(ordered[k].CloseTime)
	})

	curve := make([]float64, 0, len(ordered)+1)
	balance := initialBalance
	curve = append(curve, balance)
	for _, t := range ordered {
		balance += t.NetProfit
		curve = append(curve, balance)
	}
	return curve
}

// SplitTradesByDate partitions trades around a boundary; trades closing
// exactly on it land in the second slice.
func SplitTradesByDate(trades []types.Trade, split time.Time) (before, after []types.Trade) {
	for _, t := range trades {
		if t.CloseTime.Before(split) {
			before = append(before, t)
		} else {
			after = append(after, t)
		}
	}
	return before, after
}

// TradeProfits projects the net profit sequence used by the Monte Carlo
// engine and the cost overlays.
func TradeProfits(trades []types.Trade) []float64 {
	out := make([]float64, len(trades))
	for i, t := range trades {
		out[i] = t.NetProfit
	}
	return out
}
