/*Package comm connects to lab hardware.

Device SDKs are frequently slow to come up after power on or after another
process released them, so opening is retried with an exponential backoff
before the device is handed to the acquisition controller.  Once connected,
nothing in modscope retries a device call.

	cam := camera.NewMock(2048, 2048, 64)
	err := comm.Connect(ctx, "camera", cam.Initialize, log)
*/
package comm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// ErrUnavailable marks an open error which retrying cannot fix
var ErrUnavailable = errors.New("device unavailable")

// Policy returns the backoff used by Connect:
// 25 ms doubling up to 1 s between attempts, giving up after 3 s
func Policy() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock}
}

// Connect calls open until it succeeds, ctx is done, or the backoff gives
// up.  An error wrapping ErrUnavailable stops the retries immediately.
func Connect(ctx context.Context, name string, open func() error, log *zap.Logger) error {
	return ConnectWith(ctx, name, open, Policy(), log)
}

// ConnectWith is Connect with a custom backoff
func ConnectWith(ctx context.Context, name string, open func() error, b backoff.BackOff, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	attempts := 0
	op := func() error {
		attempts++
		err := open()
		if err != nil && errors.Is(err, ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn("device open failed, retrying", zap.String("device", name),
			zap.Int("attempt", attempts), zap.Duration("next", next), zap.Error(err))
	}
	b.Reset()
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("connecting to %s: %w", name, ctx.Err())
		}
		return fmt.Errorf("connecting to %s after %d attempts: %w", name, attempts, err)
	}
	log.Info("connected", zap.String("device", name), zap.Int("attempts", attempts))
	return nil
}
