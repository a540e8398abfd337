package pipeline

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type Format string

const (
	FormatCSV     Format = "csv"
	FormatExcel   Format = "excel"
	FormatUnknown Format = "unknown"
)

var (
	zipMagic = []byte("PK\x03\x04")
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// DetectFormat classifies a file by extension, then checks the first bytes so
// a workbook saved with a .csv name is still routed to the Excel path.
func DetectFormat(path string) Format {
	byName := FormatByName(path)
	if byName == FormatUnknown {
		return FormatUnknown
	}

	f, err := os.Open(path)
	if err != nil {
		return byName
	}
	defer f.Close()

	head := make([]byte, len(oleMagic))
	n, _ := io.ReadFull(f, head)
	if looksLikeWorkbook(head[:n]) {
		return FormatExcel
	}
	return byName
}

func FormatByName(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FormatCSV
	case ".xlsx", ".xls":
		return FormatExcel
	default:
		return FormatUnknown
	}
}

func looksLikeWorkbook(head []byte) bool {
	return bytes.HasPrefix(head, zipMagic) || bytes.HasPrefix(head, oleMagic)
}

func isLegacyXLS(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".xls")
}
