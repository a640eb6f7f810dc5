package storage

// Logger interface for storage package to avoid circular dependencies
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}
