package crashreport

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

var (
	initialized bool
	initMu      sync.RWMutex
)

// Stream keys ride in RTMP URLs and SSH credentials in node payloads
var sensitivePattern = regexp.MustCompile(`(?i)(rtmps?://[^\s"]+/)[^\s"/]+|("?(password|private_key|stream_key)"?\s*[:=]\s*)"?[^\s",}]+"?`)

// Init initializes the Sentry SDK. An empty dsn disables reporting.
func Init(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
		BeforeSend:       beforeSend,
		SampleRate:       1.0,
	})
	if err != nil {
		return err
	}

	initMu.Lock()
	initialized = true
	initMu.Unlock()
	return nil
}

// Enabled reports whether Init configured a client
func Enabled() bool {
	initMu.RLock()
	defer initMu.RUnlock()
	return initialized
}

// Flush waits for queued events (call before exit)
func Flush(timeout time.Duration) {
	if !Enabled() {
		return
	}
	sentry.Flush(timeout)
}

// ReportPanic sends a value already obtained from recover()
func ReportPanic(ctx context.Context, value interface{}) {
	if !Enabled() || value == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.RecoverWithContext(ctx, value)
}

// CaptureException reports a non-fatal error
func CaptureException(err error) {
	if !Enabled() || err == nil {
		return
	}
	sentry.CaptureException(err)
}

// Go runs f in a goroutine that reports and swallows panics
func Go(ctx context.Context, f func(context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ReportPanic(ctx, r)
			}
		}()
		f(ctx)
	}()
}

func beforeSend(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	event.Message = Scrub(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = Scrub(event.Exception[i].Value)
	}
	return event
}

// Scrub masks stream keys and credentials in s
func Scrub(s string) string {
	return sensitivePattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := sensitivePattern.FindStringSubmatch(m)
		if sub[1] != "" {
			return sub[1] + "***"
		}
		return sub[2] + "***"
	})
}
