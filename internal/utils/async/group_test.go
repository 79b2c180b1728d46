package async_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"

	"gwi.com/chat-memory/internal/utils/async"
	"gwi.com/chat-memory/internal/utils/logging"
)

func TestGroupRunsDetachedFromCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var jobs async.Group
	var jobErr atomic.Value

	jobs.Go(ctx, "detached", func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			jobErr.Store(err)
		}
		return nil
	})
	cancel()
	jobs.Wait()

	gt.Value(t, jobErr.Load()).Nil()
}

func TestGroupWaitDrainsJobs(t *testing.T) {
	var jobs async.Group
	var done atomic.Int32
	for range 5 {
		jobs.Go(context.Background(), "count", func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return nil
		})
	}
	jobs.Wait()
	gt.Number(t, done.Load()).Equal(5)
}

func TestGroupLogsErrorsAndPanics(t *testing.T) {
	buf := &syncBuffer{}
	ctx := logging.With(context.Background(), logging.New("info", "console", buf))
	var jobs async.Group

	jobs.Go(ctx, "plain", func(ctx context.Context) error {
		return errors.New("enrichment exploded")
	})
	jobs.Go(ctx, "wrapped", func(ctx context.Context) error {
		return goerr.New("index unavailable", goerr.V("key", "s:1"))
	})
	jobs.Go(ctx, "panicking", func(ctx context.Context) error {
		panic("boom")
	})
	jobs.Wait()

	out := buf.String()
	gt.Number(t, strings.Count(out, "background job failed")).Equal(2)
	gt.String(t, out).Contains("enrichment exploded")
	gt.String(t, out).Contains("index unavailable")
	gt.String(t, out).Contains("panic in background job")
	gt.String(t, out).Contains("boom")
	gt.Bool(t, strings.Contains(out, "nil pointer")).False()
}

func TestGroupJobKeepsCallerLogger(t *testing.T) {
	buf := &syncBuffer{}
	ctx := logging.With(context.Background(), logging.New("info", "console", buf))
	var jobs async.Group

	jobs.Go(ctx, "logging", func(ctx context.Context) error {
		logging.From(ctx).Info("from the job")
		return nil
	})
	jobs.Wait()

	gt.String(t, buf.String()).Contains("from the job")
}
