// Package notifier delivers notifications without blocking the scheduler.
//
// Notify only enqueues. A small worker pool drains the queue and hands each
// notification to every configured Sink, under a shared rate limit and with
// jittered exponential retry per sink. Delivery failures are logged and
// published on the event bus; they never reach the caller.
//
// # Sinks
//
// LogSink is always present. DesktopSink shells out to the platform notifier
// and TelegramSink posts to a chat (optionally a forum thread).
package notifier
