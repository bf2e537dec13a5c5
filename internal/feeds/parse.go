package feeds

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/revledger/internal/fetcher"
)

// eventID derives a stable UUID from the channel id and the raw record bytes.
// Re-pulling the same feed replays into the ledger as a no-op instead of
// appending duplicate events.
func eventID(channel string, record []byte) string {
	seed := make([]byte, 0, len(channel)+1+len(record))
	seed = append(seed, channel...)
	seed = append(seed, '\n')
	seed = append(seed, record...)
	return uuid.NewSHA1(uuid.NameSpaceOID, seed).String()
}

// parseAmount converts a currency field to a float pointer. Empty means the
// field is absent, not zero.
func parseAmount(field, value string) (*float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, eris.Errorf("feeds: bad %s %q", field, value)
	}
	return &f, nil
}

// parseCoupon converts a coupon number field. Empty defaults to coupon 1.
func parseCoupon(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return 0, eris.Errorf("feeds: bad coupon_number %q", value)
	}
	return n, nil
}

// parseWhen accepts the timestamp layouts seen across the channels.
func parseWhen(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	layouts := []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func readChannelFile(dataDir, filename string) ([]byte, error) {
	path := filepath.Join(dataDir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "feeds: read %s", path)
	}
	return data, nil
}

func drain(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, eris.Wrap(err, "feeds: read payload")
	}
	return data, nil
}

// zipMagic is the local file header signature of a ZIP archive.
var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// maybeUnzip unwraps a single-file ZIP payload, which is how some batch drops
// arrive. Non-ZIP payloads pass through untouched.
func maybeUnzip(payload []byte) ([]byte, error) {
	if !bytes.HasPrefix(payload, zipMagic) {
		return payload, nil
	}
	dir, err := os.MkdirTemp("", "revledger-feed-*")
	if err != nil {
		return nil, eris.Wrap(err, "feeds: temp dir")
	}
	defer os.RemoveAll(dir)
	zipPath := filepath.Join(dir, "payload.zip")
	if err := os.WriteFile(zipPath, payload, 0o600); err != nil {
		return nil, eris.Wrap(err, "feeds: stage zip payload")
	}
	inner, err := fetcher.ExtractZIPSingle(zipPath, dir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(inner)
	if err != nil {
		return nil, eris.Wrap(err, "feeds: read zip entry")
	}
	return data, nil
}

// rawRecords splits a JSON payload into per-record raw messages. Payloads may
// be a bare array, a single record object, or an object wrapping the array
// under wrapperKey.
func rawRecords(payload []byte, wrapperKey string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, eris.Wrap(err, "feeds: decode json array")
		}
		return records, nil
	}
	if wrapperKey != "" {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, eris.Wrap(err, "feeds: decode json object")
		}
		if inner, ok := wrapper[wrapperKey]; ok {
			var records []json.RawMessage
			if err := json.Unmarshal(inner, &records); err != nil {
				return nil, eris.Wrapf(err, "feeds: decode %s array", wrapperKey)
			}
			return records, nil
		}
	}
	var record json.RawMessage
	if err := json.Unmarshal(trimmed, &record); err != nil {
		return nil, eris.Wrap(err, "feeds: decode json record")
	}
	return []json.RawMessage{record}, nil
}
