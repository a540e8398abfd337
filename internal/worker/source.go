package worker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Source is the file handle carried by a ParseFile command.
type Source interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// FileSource reads a file from disk.
type FileSource string

func (f FileSource) Name() string { return filepath.Base(string(f)) }

func (f FileSource) Open() (io.ReadCloser, error) { return os.Open(string(f)) }

type readerSource struct {
	name string
	r    io.Reader
}

// ReaderSource wraps an already open stream. It can be parsed once.
func ReaderSource(name string, r io.Reader) Source {
	return readerSource{name: name, r: r}
}

func (s readerSource) Name() string { return s.name }

func (s readerSource) Open() (io.ReadCloser, error) {
	if rc, ok := s.r.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(s.r), nil
}

// CheckFormat is the file type gate: only .csv files are parsed.
func CheckFormat(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".csv":
		return nil
	case ".xlsx", ".xls":
		return ErrExcelUnsupported
	default:
		return fmt.Errorf("%w: %q (only .csv files can be parsed)", ErrUnsupportedFormat, ext)
	}
}
