package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/convoy-ml/convoy/internal/core/domain"
	"github.com/convoy-ml/convoy/theme"
)

// StyledLogger wraps slog.Logger with Theme-aware formatting
type StyledLogger struct {
	logger *slog.Logger
	Theme  *theme.Theme
}

func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		Theme:  theme,
	}
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.Theme.Counts}.Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithWorker(msg string, workerID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.Theme.Worker}.Sprint(workerID))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithWorker(msg string, workerID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.Theme.Worker}.Sprint(workerID))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) ErrorWithWorker(msg string, workerID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.Theme.Worker}.Sprint(workerID))
	sl.logger.Error(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithStream(msg string, streamID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.Theme.Stream}.Sprint(streamID))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) InfoWorkerStatus(msg string, workerID string, status domain.WorkerStatus, args ...any) {
	var statusColor pterm.Color
	var statusText string

	switch status {
	case domain.WorkerOnline:
		statusColor = sl.Theme.HealthOnline
		statusText = "Online"
	case domain.WorkerDegraded:
		statusColor = sl.Theme.HealthDegrade
		statusText = "Degraded"
	case domain.WorkerOffline:
		statusColor = sl.Theme.HealthOffline
		statusText = "Offline"
	default:
		statusColor = sl.Theme.HealthDegrade
		statusText = string(status)
	}
	styledMsg := fmt.Sprintf("%s %s is %s", msg,
		pterm.Style{sl.Theme.Worker}.Sprint(workerID),
		pterm.Style{statusColor}.Sprint(statusText))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

func (sl *StyledLogger) WithRequestID(requestID string) *StyledLogger {
	return sl.With("request_id", requestID)
}

func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{
		logger: sl.logger.With(args...),
		Theme:  sl.Theme,
	}
}

func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(logger, appTheme)

	return logger, styledLogger, cleanup, nil
}

// NewDiscard returns a styled logger that drops everything. Test helper.
func NewDiscard() *StyledLogger {
	return NewStyledLogger(slog.New(discardHandler{}), theme.Plain())
}
