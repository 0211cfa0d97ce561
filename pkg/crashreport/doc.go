// Package crashreport wraps sentry-go for panic and error capture. Every
// function is a no-op until Init is called with a non-empty DSN.
//
// Events pass through Scrub before they leave the process, so stream keys
// and SSH credentials embedded in messages are masked. Flush is called on
// shutdown by the binaries; Go runs a goroutine whose panic is reported
// instead of crashing the process.
package crashreport
