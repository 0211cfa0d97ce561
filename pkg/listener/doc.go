/*
Package listener consumes the agent report channel.

The listener is the single producer of report jobs: it decodes each message,
drops what it cannot parse and submits everything else to the worker pool. It
never reads or writes the store itself.

A failed subscription or receive is logged, the subscription is closed and a
new one is opened after a fixed backoff. With Config.MaxReconnects set, that
many consecutive failures end Run with ErrTransportExhausted; otherwise the
listener retries for the life of the process.
*/
package listener
