// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package log implements the process-wide logging facade, backed by seelog.
package log

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *loggerWrapper

	// Lines logged before SetupLogger runs are buffered here and replayed
	// once the logger exists. Setup happens early, so this buffer is very
	// short lived.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex

	defaultStackDepth = 2
)

type loggerWrapper struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	mu    sync.RWMutex
}

// SetupLogger configures the logging singleton with the given seelog backend
// and minimum level.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}

	l.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	logger = &loggerWrapper{
		inner: l,
		level: lvl,
	}

	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	bufferLogsBeforeInit = false
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

// SetupDefaultLogger configures a plain console logger at the given level.
// Used by tests and as a fallback when no log config is provided.
func SetupDefaultLogger(level string) error {
	l, err := seelog.LoggerFromConfigAsString(buildSeelogConfig(level))
	if err != nil {
		return err
	}
	SetupLogger(l, level)
	return nil
}

func buildSeelogConfig(level string) string {
	return fmt.Sprintf(
		`<seelog minlevel="%s"><outputs formatid="common"><console/></outputs><formats><format id="common" format="%%Date(2006-01-02 15:04:05 MST) | %%LEVEL | (%%ShortFilePath:%%Line) | %%Msg%%n"/></formats></seelog>`,
		strings.ToLower(level))
}

// ChangeLogLevel changes the minimum level of the configured logger.
func ChangeLogLevel(level string) error {
	if logger == nil {
		return errors.New("logger not initialized")
	}
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	logger.mu.Lock()
	logger.level = lvl
	logger.mu.Unlock()
	return nil
}

func (l *loggerWrapper) shouldLog(level seelog.LogLevel) bool {
	l.mu.RLock()
	ok := level >= l.level
	l.mu.RUnlock()
	return ok
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	logsBuffer = append(logsBuffer, logHandle)
}

func bufferingRequired() bool {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	return bufferLogsBeforeInit && logger == nil
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	if bufferingRequired() {
		addLogToBuffer(func() { Debug(v...) })
		return
	}
	if logger != nil && logger.shouldLog(seelog.DebugLvl) {
		logger.inner.Debug(v...)
	}
}

// Debugf logs with format at the debug level.
func Debugf(format string, params ...interface{}) {
	if bufferingRequired() {
		addLogToBuffer(func() { Debugf(format, params...) })
		return
	}
	if logger != nil && logger.shouldLog(seelog.DebugLvl) {
		logger.inner.Debugf(format, params...)
	}
}

// Info logs at the info level.
func Info(v ...interface{}) {
	if bufferingRequired() {
		addLogToBuffer(func() { Info(v...) })
		return
	}
	if logger != nil && logger.shouldLog(seelog.InfoLvl) {
		logger.inner.Info(v...)
	}
}

// Infof logs with format at the info level.
func Infof(format string, params ...interface{}) {
	if bufferingRequired() {
		addLogToBuffer(func() { Infof(format, params...) })
		return
	}
	if logger != nil && logger.shouldLog(seelog.InfoLvl) {
		logger.inner.Infof(format, params...)
	}
}

// Warn logs at the warn level and returns an error containing the formated log message.
func Warn(v ...interface{}) error {
	err := errors.New(fmt.Sprint(v...))
	if bufferingRequired() {
		addLogToBuffer(func() { Warn(v...) }) //nolint:errcheck
		return err
	}
	if logger != nil && logger.shouldLog(seelog.WarnLvl) {
		logger.inner.Warn(v...) //nolint:errcheck
	}
	return err
}

// Warnf logs with format at the warn level and returns an error containing the formated log message.
func Warnf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if bufferingRequired() {
		addLogToBuffer(func() { Warnf(format, params...) }) //nolint:errcheck
		return err
	}
	if logger != nil && logger.shouldLog(seelog.WarnLvl) {
		logger.inner.Warnf(format, params...) //nolint:errcheck
	}
	return err
}

// Error logs at the error level and returns an error containing the formated log message.
func Error(v ...interface{}) error {
	err := errors.New(fmt.Sprint(v...))
	if bufferingRequired() {
		addLogToBuffer(func() { Error(v...) }) //nolint:errcheck
		return err
	}
	if logger != nil && logger.shouldLog(seelog.ErrorLvl) {
		logger.inner.Error(v...) //nolint:errcheck
	}
	return err
}

// Errorf logs with format at the error level and returns an error containing the formated log message.
func Errorf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if bufferingRequired() {
		addLogToBuffer(func() { Errorf(format, params...) }) //nolint:errcheck
		return err
	}
	if logger != nil && logger.shouldLog(seelog.ErrorLvl) {
		logger.inner.Errorf(format, params...) //nolint:errcheck
	}
	return err
}

// Critical logs at the critical level and returns an error containing the formated log message.
func Critical(v ...interface{}) error {
	err := errors.New(fmt.Sprint(v...))
	if bufferingRequired() {
		addLogToBuffer(func() { Critical(v...) }) //nolint:errcheck
		return err
	}
	if logger != nil && logger.shouldLog(seelog.CriticalLvl) {
		logger.inner.Critical(v...) //nolint:errcheck
	}
	return err
}

// Criticalf logs with format at the critical level and returns an error containing the formated log message.
func Criticalf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if bufferingRequired() {
		addLogToBuffer(func() { Criticalf(format, params...) }) //nolint:errcheck
		return err
	}
	if logger != nil && logger.shouldLog(seelog.CriticalLvl) {
		logger.inner.Criticalf(format, params...) //nolint:errcheck
	}
	return err
}

// Flush flushes the underlying logger.
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}
