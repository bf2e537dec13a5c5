package fetcher

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects a sheet and its data region.
type XLSXOptions struct {
	SheetIndex int // zero-based sheet position, ignored when SheetName is set
	SheetName  string
	SkipRows   int             // leading rows to drop from the result
	HeaderCh   chan<- []string // receives the first row even when skipped
}

// ReadXLSX loads one sheet of a statement workbook into string rows.
func ReadXLSX(path string, opts XLSXOptions) ([][]string, error) {
	wb, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open workbook %s", path)
	}
	sheet, err := pickSheet(wb, opts)
	if err != nil {
		return nil, err
	}

	var out [][]string
	for i, row := range sheet.Rows {
		vals := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			vals[j] = cell.String()
		}
		if i == 0 && opts.HeaderCh != nil {
			opts.HeaderCh <- vals
		}
		if i >= opts.SkipRows {
			out = append(out, vals)
		}
	}
	return out, nil
}

func pickSheet(wb *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		if sheet, ok := wb.Sheet[opts.SheetName]; ok {
			return sheet, nil
		}
		return nil, eris.Errorf("workbook has no sheet named %q", opts.SheetName)
	}
	if opts.SheetIndex >= len(wb.Sheets) {
		return nil, eris.Errorf("workbook has %d sheets, wanted index %d", len(wb.Sheets), opts.SheetIndex)
	}
	return wb.Sheets[opts.SheetIndex], nil
}
