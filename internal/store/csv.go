package store

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"vnadvisor/internal/domain"
)

// utf8BOM prefixes CSV files exported by spreadsheet tools; loaders strip
// it before parsing.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadScoreCSV loads a score table from a CSV file. Expected columns, in
// any order, matched case-insensitively: symbol, total_score, fund_score,
// tech_score, price, recommendation.
func ReadScoreCSV(path string) ([]domain.ScoreRow, error) {
	records, header, err := readCSV(path)
	if err != nil {
		return nil, err
	}

	col, err := columnIndex(header, "symbol", "total_score", "fund_score", "tech_score", "price", "recommendation")
	if err != nil {
		return nil, fmt.Errorf("score csv %s: %w", path, err)
	}

	rows := make([]domain.ScoreRow, 0, len(records))
	for i, rec := range records {
		total, err := parseFloat(rec[col["total_score"]])
		if err != nil {
			return nil, fmt.Errorf("score csv %s row %d: total_score: %w", path, i+2, err)
		}
		fund, err := parseFloat(rec[col["fund_score"]])
		if err != nil {
			return nil, fmt.Errorf("score csv %s row %d: fund_score: %w", path, i+2, err)
		}
		tech, err := parseFloat(rec[col["tech_score"]])
		if err != nil {
			return nil, fmt.Errorf("score csv %s row %d: tech_score: %w", path, i+2, err)
		}
		price, err := parseFloat(rec[col["price"]])
		if err != nil {
			return nil, fmt.Errorf("score csv %s row %d: price: %w", path, i+2, err)
		}
		rows = append(rows, domain.ScoreRow{
			Symbol:         strings.ToUpper(strings.TrimSpace(rec[col["symbol"]])),
			TotalScore:     total,
			FundScore:      fund,
			TechScore:      tech,
			Price:          price,
			Recommendation: strings.TrimSpace(rec[col["recommendation"]]),
		})
	}
	return rows, nil
}

// ReadBarCSV loads daily bars for one symbol from a CSV file. Expected
// columns: time, open, high, low, close, volume. Dates parse as
// YYYY-MM-DD or RFC 3339.
func ReadBarCSV(path, symbol string) ([]domain.Bar, error) {
	records, header, err := readCSV(path)
	if err != nil {
		return nil, err
	}

	col, err := columnIndex(header, "time", "open", "high", "low", "close", "volume")
	if err != nil {
		return nil, fmt.Errorf("bar csv %s: %w", path, err)
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	bars := make([]domain.Bar, 0, len(records))
	for i, rec := range records {
		ts, err := parseDate(rec[col["time"]])
		if err != nil {
			return nil, fmt.Errorf("bar csv %s row %d: %w", path, i+2, err)
		}
		open, err := parseFloat(rec[col["open"]])
		if err != nil {
			return nil, fmt.Errorf("bar csv %s row %d: open: %w", path, i+2, err)
		}
		high, err := parseFloat(rec[col["high"]])
		if err != nil {
			return nil, fmt.Errorf("bar csv %s row %d: high: %w", path, i+2, err)
		}
		low, err := parseFloat(rec[col["low"]])
		if err != nil {
			return nil, fmt.Errorf("bar csv %s row %d: low: %w", path, i+2, err)
		}
		closePrice, err := parseFloat(rec[col["close"]])
		if err != nil {
			return nil, fmt.Errorf("bar csv %s row %d: close: %w", path, i+2, err)
		}
		volume, err := parseFloat(rec[col["volume"]])
		if err != nil {
			return nil, fmt.Errorf("bar csv %s row %d: volume: %w", path, i+2, err)
		}
		bars = append(bars, domain.Bar{
			Symbol: symbol,
			Time:   ts,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: int64(volume),
		})
	}
	return bars, nil
}

// readCSV reads all records from path, strips a UTF-8 BOM if present, and
// returns the data rows and the lowercased header.
func readCSV(path string) ([][]string, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)

	r := csv.NewReader(bytes.NewReader(raw))
	r.TrimLeadingSpace = true
	all, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("%s: empty file", path)
	}

	header := make([]string, len(all[0]))
	for i, h := range all[0] {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return all[1:], header, nil
}

// columnIndex maps each required column name to its position in header.
func columnIndex(header []string, required ...string) (map[string]int, error) {
	col := make(map[string]int, len(required))
	for i, h := range header {
		col[h] = i
	}
	for _, name := range required {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q (header: %v)", name, header)
		}
	}
	return col, nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
