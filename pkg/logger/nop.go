package logger

type nopLogger struct{}

var nop Logger = nopLogger{}

// Nop 丢弃全部输出
func Nop() Logger {
	return nop
}

func (nopLogger) With(...Field) Logger   { return nop }
func (nopLogger) Named(string) Logger    { return nop }
func (nopLogger) Enabled(Level) bool     { return false }
func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Warn(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}
func (nopLogger) Sync() error            { return nil }
