// Package report writes a run summary workbook.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"tenderscan/domain"
	"tenderscan/processor"
)

const (
	tendersSheet = "Tenders"
	matchesSheet = "Matches"
)

var (
	tenderHeaders = []any{"Tender ID", "Registry", "Status", "Matches", "Match %", "Top product", "Top score", "Failed files", "Seconds", "Error"}
	matchHeaders  = []any{"Tender ID", "Registry", "Product", "Score", "Matched text", "File", "Sheet/page", "Cell"}
)

// Write stores one row per tender plus one row per match in a new xlsx at outPath.
// Tenders that failed or errored are styled red.
func Write(outPath string, results []processor.Result) error {
	if strings.TrimSpace(outPath) == "" {
		return errors.New("report path is empty")
	}
	f := excelize.NewFile()
	defer f.Close()

	def := f.GetSheetName(0)
	if def == "" {
		def = "Sheet1"
	}
	if err := f.SetSheetName(def, tendersSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(matchesSheet); err != nil {
		return err
	}
	f.SetActiveSheet(0)

	// light red fill + dark red font
	redStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFC7CE"}},
		Font: &excelize.Font{Color: "9C0006"},
	})
	if err != nil {
		return err
	}
	headStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	if err := writeTenders(f, results, headStyle, redStyle); err != nil {
		return err
	}
	if err := writeMatches(f, results, headStyle); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := f.SaveAs(outPath); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func styled(vals []any, style int) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = excelize.Cell{StyleID: style, Value: v}
	}
	return out
}

func writeTenders(f *excelize.File, results []processor.Result, headStyle, redStyle int) error {
	sw, err := f.NewStreamWriter(tendersSheet)
	if err != nil {
		return err
	}
	if err := sw.SetColWidth(6, 6, 40); err != nil {
		return err
	}
	if err := sw.SetRow("A1", styled(tenderHeaders, headStyle)); err != nil {
		return err
	}
	row := 2
	for _, r := range results {
		out := r.Outcome
		top, score := topMatch(out.Matches)
		errText := out.ErrorReason
		if errText == "" && r.Err != nil {
			errText = r.Err.Error()
		}
		vals := []any{
			r.Key.ID, string(r.Key.Registry), string(r.Status),
			len(out.Matches), out.MatchPercentage(), top, score,
			len(out.FailedFiles), round(out.ProcessingTime.Seconds()), errText,
		}
		if r.Status == processor.StatusFailed || r.Status == processor.StatusError {
			vals = styled(vals, redStyle)
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := sw.SetRow(cell, vals); err != nil {
			return err
		}
		row++
	}
	return sw.Flush()
}

func writeMatches(f *excelize.File, results []processor.Result, headStyle int) error {
	sw, err := f.NewStreamWriter(matchesSheet)
	if err != nil {
		return err
	}
	if err := sw.SetRow("A1", styled(matchHeaders, headStyle)); err != nil {
		return err
	}
	row := 2
	for _, r := range results {
		for _, m := range r.Outcome.Matches {
			vals := []any{
				r.Key.ID, string(r.Key.Registry), m.ProductName, m.Score, m.MatchedText,
				filepath.Base(m.SourceFile), m.Location.SheetOrPage, m.Location.Address,
			}
			cell, _ := excelize.CoordinatesToCellName(1, row)
			if err := sw.SetRow(cell, vals); err != nil {
				return err
			}
			row++
		}
	}
	return sw.Flush()
}

func topMatch(ms []domain.MatchResult) (string, float64) {
	if len(ms) == 0 {
		return "", 0
	}
	sorted := append([]domain.MatchResult(nil), ms...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	return sorted[0].ProductName, sorted[0].Score
}

func round(v float64) float64 { return float64(int64(v*10+0.5)) / 10 }
