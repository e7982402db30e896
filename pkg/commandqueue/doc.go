// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute one at a time in submission order.
// - Tasks in different lanes may execute concurrently.
// - Submit never blocks the caller; a full lane rejects the task.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{Logger: logger})
//	defer queue.Close(ctx)
//	err := queue.Submit(ctx, "agents-list", func(ctx context.Context) error {
//		return nil
//	})
package commandqueue
