package consumer

import "time"

// maxBackoffShift caps the exponent so the delay stays under ~18 minutes.
const maxBackoffShift = 10

// Backoff returns the redelivery delay for the given delivery attempt:
// 2^attempt seconds. Attempt 1 waits 2s, attempt 2 waits 4s, attempt 3
// waits 8s.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}
