package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures a CSV stream.
type CSVOptions struct {
	Delimiter  rune            // field separator, ',' when zero
	HasHeader  bool            // treat the first record as a header, not data
	HeaderCh   chan<- []string // receives the header record when HasHeader is set
	Comment    rune            // records starting with this rune are skipped
	LazyQuotes bool            // tolerate bare quotes inside fields
	TrimSpace  bool            // strip surrounding whitespace from every field
}

// StreamCSV decodes records from r in a background goroutine. Rows arrive on
// the first channel and at most one error on the second; both close when the
// stream ends. Ranging the rows and then receiving once from the error
// channel is the whole contract.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rows := make(chan []string, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(rows)
		defer close(errs)

		dec := csv.NewReader(r)
		dec.FieldsPerRecord = -1 // partner exports pad rows unevenly
		dec.LazyQuotes = opts.LazyQuotes
		if opts.Delimiter != 0 {
			dec.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			dec.Comment = opts.Comment
		}

		header := opts.HasHeader
		for {
			if ctx.Err() != nil {
				errs <- eris.Wrap(ctx.Err(), "csv stream cancelled")
				return
			}
			rec, err := dec.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errs <- eris.Wrap(err, "read csv record")
				return
			}
			if opts.TrimSpace {
				for i := range rec {
					rec[i] = strings.TrimSpace(rec[i])
				}
			}

			if header {
				header = false
				if opts.HeaderCh != nil {
					select {
					case opts.HeaderCh <- rec:
					case <-ctx.Done():
						errs <- eris.Wrap(ctx.Err(), "csv stream cancelled")
						return
					}
				}
				continue
			}

			select {
			case rows <- rec:
			case <-ctx.Done():
				errs <- eris.Wrap(ctx.Err(), "csv stream cancelled")
				return
			}
		}
	}()

	return rows, errs
}
