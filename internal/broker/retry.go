package broker

import (
	"context"
	"time"
)

// PublishRetry publishes with a bounded number of attempts and doubling
// backoff between them. It is used by the call sites that own durability
// (intake, worker): a message is either acknowledged by the broker or the
// error is surfaced so the caller can refuse to commit or to answer.
func PublishRetry(ctx context.Context, p Publisher, topic string, key, value []byte, attempts int, backoff time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = p.Publish(ctx, topic, key, value); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
