package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Every runs fn on a ticker until ctx is done. Each tick recovers its
// own panics so one bad run does not kill the loop.
func Every(ctx context.Context, logger PanicLogger, name string, interval time.Duration, fn func()) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tick(logger, name, fn)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func tick(logger PanicLogger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			label := "goroutine panic"
			if name != "" {
				label = fmt.Sprintf("goroutine panic [%s]", name)
			}
			logger.Error("%s: %v, stack: %s", label, r, debug.Stack())
		}
	}()
	fn()
}
