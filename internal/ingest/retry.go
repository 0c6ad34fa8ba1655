package ingest

import (
	"context"
	"time"
)

// retryDo runs fn until it succeeds or the attempt budget runs out. The
// delay doubles between attempts. Context cancellation ends the loop
// early with the context's error.
func retryDo(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
