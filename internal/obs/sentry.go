package obs

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry enables crash reporting when a DSN is configured. An empty
// DSN disables it without error.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
}

// FlushSentry delivers buffered events before shutdown.
func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
