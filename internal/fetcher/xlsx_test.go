package fetcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

type sheetFixture struct {
	name string
	rows [][]string
}

// writeWorkbook builds a workbook with sheets in the given order, so tests
// that select by index stay deterministic.
func writeWorkbook(t *testing.T, sheets []sheetFixture) string {
	t.Helper()
	f := xlsx.NewFile()
	for _, s := range sheets {
		sheet, err := f.AddSheet(s.name)
		require.NoError(t, err)
		for _, cells := range s.rows {
			row := sheet.AddRow()
			for _, v := range cells {
				row.AddCell().SetString(v)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "statement.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX_AllRows(t *testing.T) {
	path := writeWorkbook(t, []sheetFixture{
		{name: "Settlement", rows: [][]string{
			{"settlement_date", "ticket_number", "amount"},
			{"2026-03-02", "125-4400000001", "512.00"},
			{"2026-03-02", "125-4400000002", "88.40"},
		}},
	})

	rows, err := ReadXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"settlement_date", "ticket_number", "amount"}, rows[0])
	assert.Equal(t, []string{"2026-03-02", "125-4400000002", "88.40"}, rows[2])
}

func TestReadXLSX_SkipRows(t *testing.T) {
	path := writeWorkbook(t, []sheetFixture{
		{name: "Settlement", rows: [][]string{
			{"Acquirer statement for March 2026"},
			{"settlement_date", "ticket_number", "amount"},
			{"2026-03-02", "125-4400000001", "512.00"},
		}},
	})

	rows, err := ReadXLSX(path, XLSXOptions{SkipRows: 2})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"2026-03-02", "125-4400000001", "512.00"}, rows[0])
}

func TestReadXLSX_SheetByName(t *testing.T) {
	path := writeWorkbook(t, []sheetFixture{
		{name: "Summary", rows: [][]string{{"total", "600.40"}}},
		{name: "Detail", rows: [][]string{
			{"125-4400000001", "512.00"},
			{"125-4400000002", "88.40"},
		}},
	})

	rows, err := ReadXLSX(path, XLSXOptions{SheetName: "Detail"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"125-4400000001", "512.00"}, rows[0])
}

func TestReadXLSX_SheetByIndex(t *testing.T) {
	path := writeWorkbook(t, []sheetFixture{
		{name: "Summary", rows: [][]string{{"total", "600.40"}}},
		{name: "Detail", rows: [][]string{{"125-4400000001", "512.00"}}},
	})

	rows, err := ReadXLSX(path, XLSXOptions{SheetIndex: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"125-4400000001", "512.00"}, rows[0])
}

func TestReadXLSX_SheetNameNotFound(t *testing.T) {
	path := writeWorkbook(t, []sheetFixture{
		{name: "Settlement", rows: [][]string{{"a"}}},
	})

	_, err := ReadXLSX(path, XLSXOptions{SheetName: "Chargebacks"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no sheet named "Chargebacks"`)
}

func TestReadXLSX_SheetIndexOutOfRange(t *testing.T) {
	path := writeWorkbook(t, []sheetFixture{
		{name: "Settlement", rows: [][]string{{"a"}}},
	})

	_, err := ReadXLSX(path, XLSXOptions{SheetIndex: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wanted index 5")
}

func TestReadXLSX_HeaderCh(t *testing.T) {
	path := writeWorkbook(t, []sheetFixture{
		{name: "Settlement", rows: [][]string{
			{"ticket_number", "amount"},
			{"125-4400000001", "512.00"},
		}},
	})

	headerCh := make(chan []string, 1)
	rows, err := ReadXLSX(path, XLSXOptions{SkipRows: 1, HeaderCh: headerCh})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"125-4400000001", "512.00"}, rows[0])
	assert.Equal(t, []string{"ticket_number", "amount"}, <-headerCh)
}

func TestReadXLSX_FileMissing(t *testing.T) {
	_, err := ReadXLSX(filepath.Join(t.TempDir(), "absent.xlsx"), XLSXOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open workbook")
}

func TestReadXLSX_NotAWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mangled.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("ticket_number,amount\n"), 0o644))

	_, err := ReadXLSX(path, XLSXOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open workbook")
}

func TestReadXLSX_EmptySheet(t *testing.T) {
	path := writeWorkbook(t, []sheetFixture{
		{name: "Settlement", rows: nil},
	})

	headerCh := make(chan []string, 1)
	rows, err := ReadXLSX(path, XLSXOptions{HeaderCh: headerCh})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Empty(t, headerCh, "nothing to announce as a header")
}
