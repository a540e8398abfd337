package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"aksjeimport/internal"
)

// Wire names of the commands and events. They are shared with callers that
// bridge the worker over a message channel and must not change.
const (
	TypeParseFile = "PARSE_FILE"
	TypePause     = "PAUSE"
	TypeResume    = "RESUME"
	TypeCancel    = "CANCEL"

	TypeParseStart    = "PARSE_START"
	TypeBatchReady    = "BATCH_READY"
	TypeProgress      = "PROGRESS"
	TypeParseComplete = "PARSE_COMPLETE"
	TypeError         = "ERROR"
	TypePaused        = "PAUSED"
	TypeResumed       = "RESUMED"
	TypeCancelled     = "CANCELLED"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrExcelUnsupported  = fmt.Errorf("%w: Excel files cannot be parsed in the background worker; convert the file to CSV or use the Excel fallback import", ErrUnsupportedFormat)
	ErrSessionActive     = errors.New("a file is already being parsed")
)

// Command is an inbound message: ParseFile, Pause, Resume or Cancel.
type Command interface {
	Type() string
}

type ParseOptions struct {
	// Encoding is one of "auto", "utf-8", "latin1"/"iso-8859-1" or "windows-1252".
	Encoding string
	// Delimiter is the field separator; 0 detects it from the header line.
	Delimiter rune
	// ChunkSize is the number of rows read between progress reports and
	// command checks; 0 uses the worker default.
	ChunkSize int
}

type ParseFile struct {
	Source  Source
	Options ParseOptions
}

type Pause struct{}

type Resume struct{}

type Cancel struct{}

func (ParseFile) Type() string { return TypeParseFile }
func (Pause) Type() string     { return TypePause }
func (Resume) Type() string    { return TypeResume }
func (Cancel) Type() string    { return TypeCancel }

// Event is an outbound message. Every event marshals to a JSON object whose
// "type" field carries its wire name.
type Event interface {
	Type() string
}

type ParseStart struct{}

type BatchReady struct {
	Batch    []internal.ShareholderRecord `json:"batch"`
	RowCount int                          `json:"rowCount"`
}

type Progress struct {
	RowCount int `json:"rowCount"`
}

type ParseComplete struct {
	TotalRows int `json:"totalRows"`
}

// ErrorEvent ends the session it belongs to, except when Err is
// ErrSessionActive, which rejects a PARSE_FILE without touching the running one.
type ErrorEvent struct {
	Err error
}

type Paused struct{}

type Resumed struct{}

type Cancelled struct{}

func (ParseStart) Type() string    { return TypeParseStart }
func (BatchReady) Type() string    { return TypeBatchReady }
func (Progress) Type() string      { return TypeProgress }
func (ParseComplete) Type() string { return TypeParseComplete }
func (ErrorEvent) Type() string    { return TypeError }
func (Paused) Type() string        { return TypePaused }
func (Resumed) Type() string       { return TypeResumed }
func (Cancelled) Type() string     { return TypeCancelled }

func (e ErrorEvent) Error() string {
	if e.Err == nil {
		return "unknown worker error"
	}
	return e.Err.Error()
}

func (e ErrorEvent) Unwrap() error { return e.Err }

// IsTerminal reports whether ev closes a parse session.
func IsTerminal(ev Event) bool {
	switch e := ev.(type) {
	case ParseComplete, Cancelled:
		return true
	case ErrorEvent:
		return !errors.Is(e.Err, ErrSessionActive)
	default:
		return false
	}
}

type typeOnly struct {
	Type string `json:"type"`
}

func (ParseStart) MarshalJSON() ([]byte, error) { return json.Marshal(typeOnly{TypeParseStart}) }
func (Paused) MarshalJSON() ([]byte, error)     { return json.Marshal(typeOnly{TypePaused}) }
func (Resumed) MarshalJSON() ([]byte, error)    { return json.Marshal(typeOnly{TypeResumed}) }
func (Cancelled) MarshalJSON() ([]byte, error)  { return json.Marshal(typeOnly{TypeCancelled}) }

func (e BatchReady) MarshalJSON() ([]byte, error) {
	type payload BatchReady
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{TypeBatchReady, payload(e)})
}

func (e Progress) MarshalJSON() ([]byte, error) {
	type payload Progress
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{TypeProgress, payload(e)})
}

func (e ParseComplete) MarshalJSON() ([]byte, error) {
	type payload ParseComplete
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{TypeParseComplete, payload(e)})
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}{TypeError, e.Error()})
}
