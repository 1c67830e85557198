package engine

import (
	"context"
	"io"
	"time"

	"github.com/riptide-dl/riptide/internal/engine/ratelimit"
)

// SleepCtx waits for d unless the context is cancelled first. Retry backoff
// sleeps go through here so cancellation aborts them immediately.
func SleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CopyConfig carries the suspension points shared by every byte-moving loop:
// cancellation, pause, rate limiting and progress accounting.
type CopyConfig struct {
	Limiter ratelimit.Limiter // nil = unlimited
	Gate    *Gate             // nil = never paused
	OnChunk func(n int)       // called after each successful write
}

// CopyChunks streams src into dst through buf, honouring the configured
// suspension points between chunks. It returns the byte count written and the
// first error encountered. Cancellation surfaces as the context error so a
// partially written destination is preserved for resume.
func CopyChunks(ctx context.Context, dst io.Writer, src io.Reader, buf []byte, cc CopyConfig) (int64, error) {
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		if cc.Gate != nil {
			if err := cc.Gate.Wait(ctx); err != nil {
				return written, err
			}
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			if cc.Limiter != nil {
				if err := cc.Limiter.Acquire(ctx, nr); err != nil {
					return written, err
				}
			}
			nw, writeErr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
				if cc.OnChunk != nil {
					cc.OnChunk(nw)
				}
			}
			if writeErr != nil {
				return written, writeErr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}
