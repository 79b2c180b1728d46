package async

import (
	"context"
	"runtime/debug"
	"sync"

	"gwi.com/chat-memory/internal/utils/logging"
)

// Group runs background jobs detached from the request that started them
// and lets the owner wait for the jobs still in flight.
type Group struct {
	wg sync.WaitGroup
}

// Go runs handler in a new goroutine. The handler's context keeps the
// values of ctx, including its logger, but not its cancellation or
// deadline. Errors and panics are logged under name and never propagated.
func (g *Group) Go(ctx context.Context, name string, handler func(ctx context.Context) error) {
	logger := logging.From(ctx).With("job", name)
	jobCtx := logging.With(context.WithoutCancel(ctx), logger)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in background job", "panic", r, "stack", string(debug.Stack()))
			}
		}()

		if err := handler(jobCtx); err != nil {
			logger.Error("background job failed", "error", err)
		}
	}()
}

// Wait blocks until every job started with Go has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
