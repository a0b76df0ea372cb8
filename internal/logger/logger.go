// Package logger provides a context-aware structured logging surface over
// logrus. Handlers call logger.Infof(ctx, ...)/Warnf/Errorf the same way
// throughout the module; request-scoped fields attached to ctx with
// WithFields (the request id, set by the RequestID middleware) are picked
// up here.
package logger

import (
	"context"

	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

// SetLevel parses and applies the configured log level; unknown levels
// fall back to info.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.JSONFormatter{})
}

// WithFields returns a derived context carrying additional log fields that
// every subsequent call in this request will include.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	entry := entryFrom(ctx).WithFields(fields)
	return context.WithValue(ctx, ctxKey{}, entry)
}

func entryFrom(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if e, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok {
			return e
		}
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func Infof(ctx context.Context, format string, args ...any)  { entryFrom(ctx).Infof(format, args...) }
func Warnf(ctx context.Context, format string, args ...any)  { entryFrom(ctx).Warnf(format, args...) }
func Errorf(ctx context.Context, format string, args ...any) { entryFrom(ctx).Errorf(format, args...) }
func Debugf(ctx context.Context, format string, args ...any) { entryFrom(ctx).Debugf(format, args...) }
