package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/rezkam/jobchain/internal/attempt"
)

// LoggingMiddleware logs the start, outcome, and duration of every attempt,
// grounded on the corpus's slog.*Context call style in
// internal/application/worker/generation_worker.go and error_handler.go.
func LoggingMiddleware() Middleware {
	return func(next Next) Next {
		return func(ctx context.Context, rt *attempt.Runtime) error {
			start := time.Now()
			slog.InfoContext(ctx, "attempt starting",
				"job_id", rt.Job.ID, "type", rt.Job.TypeName, "attempt", rt.Job.AttemptCount)

			err := next(ctx, rt)

			if err != nil {
				slog.ErrorContext(ctx, "attempt finalization failed",
					"job_id", rt.Job.ID, "type", rt.Job.TypeName, "error", err, "duration", time.Since(start))
				return err
			}
			slog.InfoContext(ctx, "attempt finished",
				"job_id", rt.Job.ID, "type", rt.Job.TypeName, "duration", time.Since(start))
			return nil
		}
	}
}
