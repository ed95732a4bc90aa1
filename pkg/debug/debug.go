// Package debug provides leveled diagnostic logging for the sync client.
// Output is controlled by the DEBUG and LOG_LEVEL environment variables, can
// optionally be mirrored to a file, and every entry is retained in an
// in-memory ring buffer for diagnostic views.
package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opswatch/jobsync/internal/logbuffer"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
)

const (
	// DefaultLogBufferSize is the default number of entries in the ring buffer
	DefaultLogBufferSize = 1000
	// LogFileName is the name of the log file when file logging is enabled
	LogFileName = "jobsync.log"
)

var (
	// mu protects all mutable state from concurrent access
	mu sync.RWMutex

	// isEnabled controls whether debug messages are output
	isEnabled bool
	// currentLevel is the minimum level of messages to output
	currentLevel LogLevel

	// File logging state
	fileLoggingEnabled bool
	logFile            *os.File
	logFilePath        string

	stdoutLogger *log.Logger
	multiLogger  *log.Logger

	// Ring buffer for in-memory log collection
	logBuffer *logbuffer.RingBuffer

	levelNames = map[LogLevel]string{
		LevelDebug:   "DEBUG",
		LevelInfo:    "INFO",
		LevelWarning: "WARNING",
		LevelError:   "ERROR",
	}
	levelMap = map[string]LogLevel{
		"DEBUG":   LevelDebug,
		"INFO":    LevelInfo,
		"WARNING": LevelWarning,
		"ERROR":   LevelError,
	}
)

func init() {
	stdoutLogger = log.New(os.Stdout, "", 0)

	bufferSize := DefaultLogBufferSize
	if sizeStr := os.Getenv("LOG_BUFFER_SIZE"); sizeStr != "" {
		if size, err := strconv.Atoi(sizeStr); err == nil && size > 0 {
			bufferSize = size
		}
	}
	logBuffer = logbuffer.New(bufferSize)

	debugEnv := os.Getenv("DEBUG")
	enabled := debugEnv == "true" || debugEnv == "1"

	levelEnv := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	level := LevelInfo // Default to INFO if not specified
	if l, exists := levelMap[levelEnv]; exists {
		level = l
	}

	mu.Lock()
	isEnabled = enabled
	currentLevel = level
	mu.Unlock()

	// Auto-enable file logging if DEBUG is enabled and LOG_DIR is set
	if enabled {
		if logDir := os.Getenv("LOG_DIR"); logDir != "" {
			_ = EnableFileLogging(logDir)
		}
	}

	if enabled {
		Info("Debug logging initialized - Enabled: %v, Level: %s, FileLogging: %v", enabled, levelNames[level], fileLoggingEnabled)
	}
}

// IsDebugEnabled returns whether debug logging is enabled (thread-safe)
func IsDebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return isEnabled
}

// GetLogFilePath returns the path to the log file if file logging is enabled
func GetLogFilePath() string {
	mu.RLock()
	defer mu.RUnlock()
	return logFilePath
}

// GetLogLevel returns the current log level (thread-safe)
func GetLogLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// EnableFileLogging enables writing logs to a file in the specified directory
// The log file will be created at logsDir/jobsync.log
func EnableFileLogging(logsDir string) error {
	mu.Lock()
	defer mu.Unlock()

	// Already enabled to the same directory
	if fileLoggingEnabled && logFilePath == filepath.Join(logsDir, LogFileName) {
		return nil
	}

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	path := filepath.Join(logsDir, LogFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	logFile = f
	logFilePath = path
	fileLoggingEnabled = true
	multiLogger = log.New(io.MultiWriter(os.Stdout, f), "", 0)

	return nil
}

// DisableFileLogging disables file logging and closes the log file
func DisableFileLogging() error {
	mu.Lock()
	defer mu.Unlock()

	if !fileLoggingEnabled {
		return nil
	}

	fileLoggingEnabled = false
	logFilePath = ""

	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		multiLogger = nil
		return err
	}

	return nil
}

// RecentLogs returns up to n of the most recent buffered entries, oldest first
func RecentLogs(n int) []logbuffer.LogEntry {
	return logBuffer.Last(n)
}

// GetBufferedLogs returns all log entries since the specified time
func GetBufferedLogs(since time.Time) []logbuffer.LogEntry {
	return logBuffer.GetSince(since)
}

// ClearLogBuffer clears the in-memory log buffer
func ClearLogBuffer() {
	logBuffer.Clear()
}

// GetBufferCount returns the number of entries in the log buffer
func GetBufferCount() int {
	return logBuffer.Count()
}

// Log prints a debug message with the specified level if debugging is enabled
func Log(level LogLevel, format string, v ...interface{}) {
	mu.RLock()
	enabled := isEnabled
	minLevel := currentLevel
	fileEnabled := fileLoggingEnabled
	mu.RUnlock()

	if !enabled || level < minLevel {
		return
	}

	// Get caller information (skip 2 levels: Log -> Debug/Info/etc -> actual caller)
	pc, file, line, _ := runtime.Caller(2)
	funcName := runtime.FuncForPC(pc).Name()

	message := fmt.Sprintf(format, v...)
	timestamp := time.Now()

	logBuffer.Add(logbuffer.LogEntry{
		Timestamp: timestamp,
		Level:     levelNames[level],
		Message:   message,
		File:      file,
		Line:      line,
		Function:  funcName,
	})

	logLine := fmt.Sprintf("[%s] [%s] [%s:%d] [%s] %s\n",
		levelNames[level],
		timestamp.Format("2006-01-02 15:04:05.000"),
		file,
		line,
		funcName,
		message,
	)

	mu.RLock()
	if fileEnabled && multiLogger != nil {
		multiLogger.Print(logLine)
	} else {
		stdoutLogger.Print(logLine)
	}
	mu.RUnlock()
}

// Debug logs a debug level message
func Debug(format string, v ...interface{}) {
	Log(LevelDebug, format, v...)
}

// Info logs an info level message
func Info(format string, v ...interface{}) {
	Log(LevelInfo, format, v...)
}

// Warning logs a warning level message
func Warning(format string, v ...interface{}) {
	Log(LevelWarning, format, v...)
}

// Error logs an error level message
func Error(format string, v ...interface{}) {
	Log(LevelError, format, v...)
}

// SetEnabled directly sets the debug enabled state (used for runtime toggling)
func SetEnabled(enabled bool) {
	mu.Lock()
	isEnabled = enabled
	mu.Unlock()
}

// SetLevel directly sets the log level (used for runtime changes)
func SetLevel(level LogLevel) {
	mu.Lock()
	currentLevel = level
	mu.Unlock()
}
