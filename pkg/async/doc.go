// Package async runs background work without letting a panic or a stuck task take
// the process down.
//
// SafeGo starts one goroutine with panic recovery and an optional deadline; the
// export manager uses it for job generation and the postgres connection manager
// for replica pruning:
//
//	async.SafeGo(ctx, 15*time.Minute, "export generation", logger, func(ctx context.Context) error {
//		return generate(ctx, job)
//	})
//
// Batch fans a slice out over a bounded number of workers and returns one error
// slot per item, which the retention sweeper uses to archive a batch of events:
//
//	errs := async.Batch(ctx, events, 8, 30*time.Second, func(ctx context.Context, e audit.Event) error {
//		return archiver.Archive(ctx, e)
//	})
package async
