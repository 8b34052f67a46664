// Package logger writes one JSON object per line, keyed by service and action.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Fields carries extra key/value pairs for a log line.
type Fields map[string]any

type Logger struct {
	service string
	out     io.Writer
	mu      sync.Mutex
	now     func() time.Time
}

func New(service string) *Logger { return NewWithWriter(service, os.Stdout) }

func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{service: service, out: w, now: time.Now}
}

// Discard returns a logger that drops everything.
func Discard() *Logger { return NewWithWriter("", io.Discard) }

// With returns a logger for another service name sharing the same output.
func (l *Logger) With(service string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{service: service, out: l.out, now: l.now}
}

func (l *Logger) log(level, action, msg string, fields Fields, err error) {
	if l == nil {
		return
	}
	entry := map[string]any{
		"timestamp": l.now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"service":   l.service,
		"action":    action,
		"message":   msg,
		"hostname":  hostname(),
	}
	for k, v := range fields {
		entry[k] = v
	}
	if err != nil {
		entry["error"] = map[string]any{"msg": err.Error(), "type": fmt.Sprintf("%T", err)}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = json.NewEncoder(l.out).Encode(entry)
}

func (l *Logger) Info(action, msg string, fields Fields)  { l.log("INFO", action, msg, fields, nil) }
func (l *Logger) Debug(action, msg string, fields Fields) { l.log("DEBUG", action, msg, fields, nil) }
func (l *Logger) Warn(action, msg string, fields Fields)  { l.log("WARN", action, msg, fields, nil) }
func (l *Logger) Error(action string, err error, fields Fields) {
	l.log("ERROR", action, action, fields, err)
}

var (
	hostOnce sync.Once
	host     string
)

func hostname() string {
	hostOnce.Do(func() { host, _ = os.Hostname() })
	return host
}
