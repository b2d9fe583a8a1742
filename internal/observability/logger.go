package observability

import "github.com/rs/zerolog/log"

// Logger is the structured logging contract accepted by every subsystem via
// functional options, matching the level/fields shape used across the
// codebase regardless of which sink backs it in a given test.
type Logger interface {
	Info(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Debug(msg string, fields map[string]any)
}

// ZerologLogger adapts the global zerolog logger (configured by InitLogger)
// to the Logger interface.
type ZerologLogger struct{}

func (ZerologLogger) Info(msg string, fields map[string]any) {
	log.Info().Fields(fields).Msg(msg)
}

func (ZerologLogger) Error(msg string, fields map[string]any) {
	log.Error().Fields(fields).Msg(msg)
}

func (ZerologLogger) Debug(msg string, fields map[string]any) {
	log.Debug().Fields(fields).Msg(msg)
}

// NoopLogger discards everything; used as a safe zero value.
type NoopLogger struct{}

func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}
func (NoopLogger) Debug(string, map[string]any) {}

// MockLogger records entries for assertions in tests.
type MockLogger struct {
	Entries []LogEntry
}

type LogEntry struct {
	Level  string
	Msg    string
	Fields map[string]any
}

func (m *MockLogger) Info(msg string, fields map[string]any) {
	m.Entries = append(m.Entries, LogEntry{Level: "info", Msg: msg, Fields: fields})
}

func (m *MockLogger) Error(msg string, fields map[string]any) {
	m.Entries = append(m.Entries, LogEntry{Level: "error", Msg: msg, Fields: fields})
}

func (m *MockLogger) Debug(msg string, fields map[string]any) {
	m.Entries = append(m.Entries, LogEntry{Level: "debug", Msg: msg, Fields: fields})
}
