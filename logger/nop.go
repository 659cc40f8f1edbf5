package logger

// NopLogger is a Logger that discards every record. It is handy for tests
// and for callers that want to silence a component entirely.
type NopLogger struct {
	level Level
}

var _ Logger = (*NopLogger)(nil)

// NewNop returns a Logger that discards all output.
func NewNop() *NopLogger {
	return &NopLogger{level: ErrorLevel}
}

func (l *NopLogger) Debug(msg string, keysAndValues ...any) {}
func (l *NopLogger) Info(msg string, keysAndValues ...any)  {}
func (l *NopLogger) Warn(msg string, keysAndValues ...any)  {}
func (l *NopLogger) Error(msg string, keysAndValues ...any) {}
func (l *NopLogger) Fatal(msg string, keysAndValues ...any) {}

func (l *NopLogger) With(keyValues ...any) Logger { return l }

func (l *NopLogger) Level() Level { return l.level }

func (l *NopLogger) SetLevel(level Level) { l.level = level }
