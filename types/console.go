package types

import "time"

// LogLevel mirrors the editor console log types.
type LogLevel string

const (
	LogLevelInfo      LogLevel = "Info"
	LogLevelWarning   LogLevel = "Warning"
	LogLevelError     LogLevel = "Error"
	LogLevelException LogLevel = "Exception"
	LogLevelAssert    LogLevel = "Assert"
)

// IsValid reports whether the level is one of the console log types.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelInfo, LogLevelWarning, LogLevelError, LogLevelException, LogLevelAssert:
		return true
	}
	return false
}

// ConsoleLogEntry is one captured console line, ready to persist.
// TruncatedStack is derived from RawStack at ingestion time; FrameCount
// always counts the original trace, not the truncated rendering.
type ConsoleLogEntry struct {
	ID             int64
	SessionID      string
	Level          LogLevel
	Message        string
	RawStack       string
	TruncatedStack string
	SourceFile     string
	SourceLine     int
	Timestamp      time.Time
	FrameCount     int
	IsTruncated    bool
	Context        string
	RequestID      *int64
}

// ExecutionLogLevel is the severity of a diagnostic event in the
// execution_log table.
type ExecutionLogLevel string

const (
	ExecLogDebug   ExecutionLogLevel = "DEBUG"
	ExecLogInfo    ExecutionLogLevel = "INFO"
	ExecLogWarning ExecutionLogLevel = "WARNING"
	ExecLogError   ExecutionLogLevel = "ERROR"
)

// ExecutionLogEntry is a structured diagnostic event tied to a request.
// Entries are append-only and never mutated.
type ExecutionLogEntry struct {
	ID        int64
	RequestID *int64
	Level     ExecutionLogLevel
	Message   string
	Source    string
	CreatedAt time.Time
}
