package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/tandem-sh/tandem/internal/runtime"
	"github.com/tandem-sh/tandem/internal/supervisor"
)

// LogRecord represents a structured event ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	Process   string    `json:"process"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
	Error     string    `json:"error,omitempty"`
}

// NewLogRecord converts a supervisor event into a structured log record.
func NewLogRecord(event supervisor.Event) LogRecord {
	level := event.Level
	if level == "" {
		if inferred := inferLogLevel(event.Message); inferred != "" {
			level = inferred
		} else {
			level = "info"
		}
	}
	source := event.Source
	if source == "" {
		source = runtime.LogSourceSystem
	}
	record := LogRecord{
		Timestamp: event.Timestamp,
		Process:   event.Process,
		Type:      string(event.Type),
		Level:     level,
		Message:   RedactSecrets(event.Message),
		Source:    source,
	}
	if event.Err != nil {
		record.Error = RedactSecrets(event.Err.Error())
	}
	return record
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn":
		return "warn"
	case "info":
		return "info"
	default:
		return ""
	}
}

// EncodeLogEvent encodes an event to JSON, reporting errors to stderr if needed.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, event supervisor.Event) {
	if enc == nil {
		return
	}
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}

var (
	processColor = color.New(color.FgCyan)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
)

// RenderConsoleEvent writes a human readable line for the event.
func RenderConsoleEvent(w io.Writer, event supervisor.Event) {
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	message := record.Message
	if record.Error != "" {
		message = fmt.Sprintf("%s: %s", message, record.Error)
	}
	switch record.Level {
	case "error":
		message = errorColor.Sprint(message)
	case "warn":
		message = warnColor.Sprint(message)
	}

	fmt.Fprintf(w, "%s %s %s\n",
		record.Timestamp.Format("15:04:05.000"),
		processColor.Sprintf("%-6s", record.Process),
		message,
	)
}
