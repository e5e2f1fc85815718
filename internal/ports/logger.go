package ports

import "context"

// Fields carries structured key/value context for a log line.
type Fields = map[string]interface{}

// Logger defines the logging interface every component receives through its Config.
type Logger interface {
	// Debug logs a message at Debug level.
	Debug(ctx context.Context, msg string, fields ...Fields)
	// Info logs a message at Info level.
	Info(ctx context.Context, msg string, fields ...Fields)
	// Warn logs a message at Warning level.
	Warn(ctx context.Context, msg string, fields ...Fields)
	// Error logs an error message at Error level.
	Error(ctx context.Context, err error, msg string, fields ...Fields)
}

type ctxFieldsKey struct{}

// WithFields returns a context whose fields are added to every line a Logger
// writes with it. Fields already on ctx are kept unless overridden.
func WithFields(ctx context.Context, fields Fields) context.Context {
	merged := Fields{}
	for k, v := range ContextFields(ctx) {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return context.WithValue(ctx, ctxFieldsKey{}, merged)
}

// ContextFields returns the fields attached with WithFields, or nil.
func ContextFields(ctx context.Context) Fields {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(ctxFieldsKey{}).(Fields)
	return f
}
