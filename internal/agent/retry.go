package agent

import (
	"context"
	"math/rand"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// backoff returns the delay before retry number attempt (0 based):
// exponential growth capped at MaxDelay, with jitter over the upper half.
func (p RetryPolicy) backoff(attempt int, jitter func() float64) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	return half + time.Duration(jitter()*float64(d-half))
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withRetry runs op until it succeeds, fails with a non transient error or
// the attempts are used up. The last error is returned.
func withRetry[T any](ctx context.Context, name string, p RetryPolicy, sleep sleepFunc, jitter func() float64, op func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil || !appErr.IsTransient(err) || attempt == p.MaxAttempts-1 {
			break
		}
		delay := p.backoff(attempt, jitter)
		logutil.GetLogger(ctx).Warn("transient failure, retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

func defaultJitter() float64 {
	return rand.Float64()
}
