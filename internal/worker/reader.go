package worker

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"aksjeimport/internal"
	"aksjeimport/internal/util"
)

const sniffBytes = 4096

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// candidate delimiters, in tie-break order
var delimiters = []rune{',', ';', '\t', '|'}

// rowReader streams normalized records out of a delimited text file.
type rowReader struct {
	rc        io.Closer
	csv       *csv.Reader
	plan      columnPlan
	header    []string
	delimiter rune
	encoding  string
	eof       bool
	// malformed counts rows the CSV reader flagged as broken.
	malformed int
}

func openRows(src Source, opts ParseOptions) (*rowReader, error) {
	rc, err := src.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src.Name(), err)
	}

	raw := bufio.NewReaderSize(rc, sniffBytes*4)
	peek, err := raw.Peek(sniffBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		rc.Close()
		return nil, fmt.Errorf("read %s: %w", src.Name(), err)
	}

	encoding, err := resolveEncoding(opts.Encoding, peek)
	if err != nil {
		rc.Close()
		return nil, err
	}

	var decoded io.Reader = raw
	switch encoding {
	case "windows-1252":
		decoded = transform.NewReader(raw, charmap.Windows1252.NewDecoder())
	case "iso-8859-1":
		decoded = transform.NewReader(raw, charmap.ISO8859_1.NewDecoder())
	}

	text := bufio.NewReaderSize(decoded, sniffBytes*4)
	if b, err := text.Peek(len(utf8BOM)); err == nil && bytes.Equal(b, utf8BOM) {
		_, _ = text.Discard(len(utf8BOM))
	}

	delim := opts.Delimiter
	if delim == 0 {
		head, _ := text.Peek(sniffBytes)
		delim = detectDelimiter(firstLine(head))
	}

	cr := csv.NewReader(text)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	rr := &rowReader{rc: rc, csv: cr, delimiter: delim, encoding: encoding}
	header, err := cr.Read()
	switch {
	case errors.Is(err, io.EOF):
		rr.eof = true
	case err != nil:
		rc.Close()
		return nil, fmt.Errorf("read header of %s: %w", src.Name(), err)
	default:
		if len(header) > 0 {
			header[0] = util.StripBOM(header[0])
		}
		rr.header = header
		rr.plan = planColumns(header)
	}
	return rr, nil
}

// Next returns the next normalized record, or io.EOF once the file is
// exhausted. Rows with CSV syntax errors are counted and still returned with
// the fields read; they are skipped only when no fields were read. Any other
// error is fatal for the file.
func (r *rowReader) Next() (internal.ShareholderRecord, error) {
	for !r.eof {
		fields, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			r.eof = true
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			r.malformed++
			if fields == nil {
				continue
			}
			err = nil
		}
		if err != nil {
			return internal.ShareholderRecord{}, err
		}
		if blankLine(fields) {
			continue
		}
		return r.plan.normalize(fields), nil
	}
	return internal.ShareholderRecord{}, io.EOF
}

func (r *rowReader) Close() error {
	if r.rc == nil {
		return nil
	}
	err := r.rc.Close()
	r.rc = nil
	return err
}

func resolveEncoding(name string, sample []byte) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		if validUTF8Prefix(sample) {
			return "utf-8", nil
		}
		return "windows-1252", nil
	case "utf-8", "utf8":
		return "utf-8", nil
	case "latin1", "latin-1", "iso-8859-1":
		return "iso-8859-1", nil
	case "windows-1252", "cp1252":
		return "windows-1252", nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", name)
	}
}

// validUTF8Prefix is utf8.Valid that tolerates a rune cut off at the end of
// the sample.
func validUTF8Prefix(b []byte) bool {
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			return !utf8.FullRune(b)
		}
		b = b[size:]
	}
	return true
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSuffix(string(b), "\r")
}

// detectDelimiter picks the candidate occurring most often outside quotes in
// the header line. Comma wins when nothing else is present.
func detectDelimiter(line string) rune {
	counts := make(map[rune]int, len(delimiters))
	quoted := false
	for _, c := range line {
		if c == '"' {
			quoted = !quoted
			continue
		}
		if !quoted {
			counts[c]++
		}
	}
	best, bestCount := delimiters[0], 0
	for _, d := range delimiters {
		if counts[d] > bestCount {
			best, bestCount = d, counts[d]
		}
	}
	return best
}

func blankLine(fields []string) bool {
	return len(fields) == 1 && strings.TrimSpace(fields[0]) == ""
}
