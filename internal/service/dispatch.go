package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/RugbyTeam/Rugby/internal/ipc"
)

// runCallbacks calls every callback with msg concurrently and waits for them.
// Errors and panics are logged, they never reach the polling loop.
func runCallbacks(ctx context.Context, callbacks []Callback, msg ipc.Message) {
	var g errgroup.Group
	for i, cb := range callbacks {
		g.Go(func() error {
			if err := call(ctx, cb, msg); err != nil {
				slog.ErrorContext(ctx, "callback failed",
					"callback", i,
					"state", msg.State,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func call(ctx context.Context, cb Callback, msg ipc.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.DebugContext(ctx, "callback panicked", "stack", string(debug.Stack()))
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return cb(ctx, msg)
}
