package pool

import "errors"

// Failure classes callers distinguish with errors.Is. Every job submitted to
// the pool settles with a result or exactly one of these (possibly wrapped
// with per-job detail); none of them is ever thrown past the job that hit it.
var (
	// ErrPoolClosed reports a job submitted to, or interrupted by, a closed pool.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrJobActive reports a job ID that already names an in-flight job.
	ErrJobActive = errors.New("job id is already active")

	// ErrOutputLimit reports a job aborted for streaming more output than the
	// configured cap.
	ErrOutputLimit = errors.New("job output limit exceeded")

	// ErrCanceled reports a job terminated by force after the cancel grace
	// period ran out. Jobs that abort cooperatively settle with an "aborted"
	// execution status instead.
	ErrCanceled = errors.New("job canceled")

	// ErrWorkerCrashed reports a job whose worker process exited before
	// delivering a result.
	ErrWorkerCrashed = errors.New("worker crashed")

	// ErrWorkerReleased reports a job submitted to a reserved worker whose
	// session already released it.
	ErrWorkerReleased = errors.New("reserved worker released")

	// ErrNoResult reports a worker that neither delivered a result nor aborted
	// within the job's deadline plus grace.
	ErrNoResult = errors.New("no result from worker")
)
