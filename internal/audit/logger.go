package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Turn lifecycle events
	LogTurnStarted(ctx context.Context, threadID, runID, provider string) error
	LogTurnCompleted(ctx context.Context, threadID, runID string, iterations int, duration time.Duration) error
	LogTurnFailed(ctx context.Context, threadID, runID string, err error) error
	LogTurnCapped(ctx context.Context, threadID, runID string, limit int) error

	// Tool lifecycle events
	LogToolDispatched(ctx context.Context, runID, toolName, toolUseID string) error
	LogToolCompleted(ctx context.Context, runID, toolName, toolUseID, status string, duration time.Duration) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// Application logger with rotation
	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(appRotator),
		level,
	)

	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Audit logger with rotation (always INFO level, append-only)
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	)

	auditZapLogger := zap.New(auditCore)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogTurnStarted logs when a conversational turn starts
func (l *auditLogger) LogTurnStarted(ctx context.Context, threadID, runID, provider string) error {
	event := NewEvent(EventTurnStarted).
		WithCorrelationID(runID).
		WithThread(threadID).
		WithProvider(provider).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Turn %s started on thread %s", runID, threadID))

	return l.Log(ctx, event)
}

// LogTurnCompleted logs when a turn finishes cleanly
func (l *auditLogger) LogTurnCompleted(ctx context.Context, threadID, runID string, iterations int, duration time.Duration) error {
	event := NewEvent(EventTurnCompleted).
		WithCorrelationID(runID).
		WithThread(threadID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("iterations", iterations).
		WithDescription(fmt.Sprintf("Turn %s completed after %d iteration(s)", runID, iterations))

	return l.Log(ctx, event)
}

// LogTurnFailed logs when a turn fails
func (l *auditLogger) LogTurnFailed(ctx context.Context, threadID, runID string, err error) error {
	event := NewEvent(EventTurnFailed).
		WithCorrelationID(runID).
		WithThread(threadID).
		WithError(err, "turn_error").
		WithDescription(fmt.Sprintf("Turn %s failed", runID))

	return l.Log(ctx, event)
}

// LogTurnCapped logs when a turn hits the tool-iteration limit
func (l *auditLogger) LogTurnCapped(ctx context.Context, threadID, runID string, limit int) error {
	event := NewEvent(EventTurnCapped).
		WithCorrelationID(runID).
		WithThread(threadID).
		WithResult(ResultSuccess).
		WithMetadata("limit", limit).
		WithDescription(fmt.Sprintf("Turn %s reached the tool-iteration limit (%d)", runID, limit))

	return l.Log(ctx, event)
}

// LogToolDispatched logs when a tool call is dispatched
func (l *auditLogger) LogToolDispatched(ctx context.Context, runID, toolName, toolUseID string) error {
	event := NewEvent(EventToolDispatched).
		WithCorrelationID(runID).
		WithTool(toolName, toolUseID).
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("Tool %s dispatched", toolName))

	return l.Log(ctx, event)
}

// LogToolCompleted logs a tool invocation outcome
func (l *auditLogger) LogToolCompleted(ctx context.Context, runID, toolName, toolUseID, status string, duration time.Duration) error {
	result := ResultSuccess
	eventType := EventToolCompleted
	if status != "success" {
		result = ResultFailure
		eventType = EventToolFailed
	}
	event := NewEvent(eventType).
		WithCorrelationID(runID).
		WithTool(toolName, toolUseID).
		WithResult(result).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Tool %s finished with status %s", toolName, status))

	return l.Log(ctx, event)
}

// Sync flushes all buffered entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	_ = l.appLogger.Sync()
	_ = l.auditLogger.Sync()
	return nil
}

// Close stops the flush loop and syncs both loggers
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()
	return l.Sync()
}

// ─── Nop logger ───────────────────────────────────────────────────────────────

// NopLogger discards every event. Used in tests and when auditing is disabled.
type NopLogger struct{}

func NewNop() Logger { return NopLogger{} }

func (NopLogger) Log(ctx context.Context, event *Event) error { return nil }
func (NopLogger) LogTurnStarted(ctx context.Context, threadID, runID, provider string) error {
	return nil
}
func (NopLogger) LogTurnCompleted(ctx context.Context, threadID, runID string, iterations int, duration time.Duration) error {
	return nil
}
func (NopLogger) LogTurnFailed(ctx context.Context, threadID, runID string, err error) error {
	return nil
}
func (NopLogger) LogTurnCapped(ctx context.Context, threadID, runID string, limit int) error {
	return nil
}
func (NopLogger) LogToolDispatched(ctx context.Context, runID, toolName, toolUseID string) error {
	return nil
}
func (NopLogger) LogToolCompleted(ctx context.Context, runID, toolName, toolUseID, status string, duration time.Duration) error {
	return nil
}
func (NopLogger) Sync() error  { return nil }
func (NopLogger) Close() error { return nil }
