package fetcher

import (
	"context"
	"encoding/xml"
	"io"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// StreamXML pulls every <elementName> element out of r, decoding each into a
// T in a background goroutine. Documents that declare a non-UTF-8 charset are
// transcoded on the fly. The channel contract matches StreamCSV: range the
// values, then receive once from the error channel.
func StreamXML[T any](ctx context.Context, r io.Reader, elementName string) (<-chan T, <-chan error) {
	out := make(chan T, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		dec := xml.NewDecoder(r)
		dec.CharsetReader = transcode

		for {
			if ctx.Err() != nil {
				errs <- eris.Wrap(ctx.Err(), "xml stream cancelled")
				return
			}
			tok, err := dec.Token()
			if err == io.EOF {
				return
			}
			if err != nil {
				errs <- eris.Wrap(err, "next xml token")
				return
			}
			start, ok := tok.(xml.StartElement)
			if !ok || start.Name.Local != elementName {
				continue
			}

			var v T
			if err := dec.DecodeElement(&v, &start); err != nil {
				errs <- eris.Wrapf(err, "decode <%s>", elementName)
				return
			}
			select {
			case out <- v:
			case <-ctx.Done():
				errs <- eris.Wrap(ctx.Err(), "xml stream cancelled")
				return
			}
		}
	}()

	return out, errs
}

// transcode maps a declared charset onto a UTF-8 reader. GDS exports still
// arrive in ISO-8859-1 now and then.
func transcode(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "charset %q", charset)
	}
	return enc.NewDecoder().Reader(input), nil
}
