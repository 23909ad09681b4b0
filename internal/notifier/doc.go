// Package notifier delivers operator alerts to Telegram.
//
// Two paths share one rate limiter:
//   - SendAlert: synchronous, used by the logx alert sink (which has its own queue)
//   - Notify / NotifyJobFailure: async queue with dedup, safe to call from the
//     scheduler's exception handler
package notifier
