package recorder

import (
	"encoding/csv"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/juju/errors"
)

const TimeHeader = "Time (s)"

var reSpace = regexp.MustCompile(`\s+`)

func formatValue(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }

// ExportRows builds header plus one row per sample of reference series.
// Selected metrics without data are left out, reference is first remaining.
// Cells of other metrics with no sample within epsilon are blank.
func (self *Recorder) ExportRows(selected []Metric) ([][]string, error) {
	if len(selected) == 0 {
		return nil, errors.NotValidf("export no metrics selected")
	}
	self.mu.RLock()
	defer self.mu.RUnlock()

	tip := self.geometry.TipSpeedUnit
	header := []string{TimeHeader}
	cols := make([]series, 0, len(selected))
	seen := make(map[Metric]bool, len(selected))
	for _, m := range selected {
		if !m.Valid() {
			return nil, errors.NotValidf("export metric=%s", m)
		}
		if seen[m] || len(self.series[m]) == 0 {
			continue
		}
		seen[m] = true
		header = append(header, m.Header(tip))
		cols = append(cols, self.series[m])
	}
	if len(cols) == 0 {
		return nil, errors.NotFoundf("recorded data for selected metrics")
	}

	ref := cols[0]
	rows := make([][]string, 0, len(ref)+1)
	rows = append(rows, header)
	for _, point := range ref {
		row := make([]string, 0, len(cols)+1)
		row = append(row, formatValue(point.Time))
		for _, col := range cols {
			if s, ok := col.at(point.Time, self.epsilon); ok {
				row = append(row, formatValue(s.Value))
			} else {
				row = append(row, "")
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (self *Recorder) WriteCSV(w io.Writer, selected []Metric) error {
	rows, err := self.ExportRows(selected)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return errors.Annotate(err, "export csv")
	}
	return nil
}

// ExportFilename gives "<name>_YYYY-MM-DD_HH-MM-SS.csv", whitespace runs in name become "-".
func ExportFilename(deviceName string, at time.Time) string {
	return reSpace.ReplaceAllString(deviceName, "-") + at.Format("_2006-01-02_15-04-05") + ".csv"
}
