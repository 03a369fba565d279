package payment

import (
	"context"
	"time"

	"github.com/R3E-Network/infomart/pkg/logger"
)

// RetryingGateway retries transient failures of the wrapped gateway with
// exponential backoff. Denials and context errors return immediately.
type RetryingGateway struct {
	next     Gateway
	attempts int
	backoff  time.Duration
	log      *logger.Logger
}

// Retrying wraps next. attempts counts retries after the first call.
func Retrying(next Gateway, attempts int, backoff time.Duration, log *logger.Logger) *RetryingGateway {
	if attempts < 0 {
		attempts = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	if log == nil {
		log = logger.NewDefault("payment")
	}
	return &RetryingGateway{next: next, attempts: attempts, backoff: backoff, log: log}
}

// Authorize calls the wrapped gateway until it succeeds, fails permanently or
// runs out of attempts.
func (g *RetryingGateway) Authorize(ctx context.Context, invoice Invoice) (Receipt, error) {
	var lastErr error
	for attempt := 0; attempt <= g.attempts; attempt++ {
		if attempt > 0 {
			wait := g.backoff * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Receipt{}, ctx.Err()
			case <-timer.C:
			}
		}

		receipt, err := g.next.Authorize(ctx, invoice)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Receipt{}, ctxErr
		}
		if !IsTransient(err) {
			return Receipt{}, err
		}
		g.log.WithError(err).WithField("attempt", attempt+1).Warn("transient payment failure")
	}
	return Receipt{}, lastErr
}
