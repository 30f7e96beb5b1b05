package retrypolicy

import (
	"time"

	"github.com/abecu-hub/go-bus/pkg/servicebus"
)

//Multiplies the retry count with the given backoff duration to gradually reduce the retry frequency.
func Backoff(backoffDuration time.Duration) servicebus.RetryPolicy {
	return func(retryCount int, retry func() error) error {
		time.Sleep(backoffDuration * time.Duration(retryCount))
		return retry()
	}
}

//Waits for the given duration until the next retry.
func Simple(duration time.Duration) servicebus.RetryPolicy {
	return func(retryCount int, retry func() error) error {
		time.Sleep(duration)
		return retry()
	}
}

//Doubles the wait with every retry, starting at base and never exceeding max.
func Exponential(base time.Duration, max time.Duration) servicebus.RetryPolicy {
	return func(retryCount int, retry func() error) error {
		time.Sleep(ExponentialDelay(base, max, retryCount))
		return retry()
	}
}

//ExponentialDelay is the wait before the given retry, base * 2^(retryCount-1) capped at max.
func ExponentialDelay(base time.Duration, max time.Duration, retryCount int) time.Duration {
	if retryCount < 1 || base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
