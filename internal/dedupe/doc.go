// Package dedupe remembers Idempotency-Key values sent with chat requests so a
// retried POST within the window is refused instead of re-running a turn.
package dedupe
