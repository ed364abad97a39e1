package header

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	cardSize       = 80
	cardsPerRecord = 36
)

// ReadFile reads the primary header of a FITS file.
func ReadFile(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// ReadBytes reads a primary header from an in-memory FITS file.
func ReadBytes(data []byte) (Metadata, error) {
	return Read(bytes.NewReader(data))
}

// Read parses header cards up to END. Pixel data is never read.
// HIERARCH cards keep their full keyword, e.g. "HIERARCH CELL.GAIN".
func Read(r io.Reader) (Metadata, error) {
	md := make(Metadata)
	card := make([]byte, cardSize)

	for {
		for i := 0; i < cardsPerRecord; i++ {
			if _, err := io.ReadFull(r, card); err != nil {
				return nil, fmt.Errorf("reading FITS header record: %w", err)
			}
			record := string(card)
			if strings.TrimSpace(record[:8]) == "END" {
				return md, nil
			}

			key, raw, ok := splitCard(record)
			if !ok {
				continue
			}
			if v, ok := parseValue(raw); ok {
				md[key] = v
			}
		}
	}
}

func splitCard(record string) (key, raw string, ok bool) {
	if strings.HasPrefix(record, "HIERARCH ") {
		eq := strings.Index(record, "=")
		if eq < 0 {
			return "", "", false
		}
		name := strings.Join(strings.Fields(record[:eq]), " ")
		return strings.ToUpper(name), record[eq+1:], true
	}
	if len(record) < 10 || record[8] != '=' || record[9] != ' ' {
		return "", "", false
	}
	key = strings.ToUpper(strings.TrimSpace(record[:8]))
	if key == "" {
		return "", "", false
	}
	return key, record[10:], true
}

func parseValue(raw string) (any, bool) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "'") {
		// quoted strings may contain '/', and '' escapes a quote
		var sb strings.Builder
		for i := 1; i < len(raw); i++ {
			if raw[i] == '\'' {
				if i+1 < len(raw) && raw[i+1] == '\'' {
					sb.WriteByte('\'')
					i++
					continue
				}
				break
			}
			sb.WriteByte(raw[i])
		}
		return strings.TrimRight(sb.String(), " "), true
	}

	value := strings.TrimSpace(strings.SplitN(raw, "/", 2)[0])
	switch value {
	case "":
		return nil, false
	case "T":
		return true, true
	case "F":
		return false, true
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return int(i), true
	}
	if f, err := strconv.ParseFloat(strings.Replace(value, "D", "E", 1), 64); err == nil {
		return f, true
	}
	return value, true
}
