package coordinator

import "errors"

var (
	// ErrWorkerLost reports a connection failure while a worker was still
	// expected to be serving. The whole run aborts; a partial fleet cannot
	// produce the configured batches.
	ErrWorkerLost = errors.New("worker connection lost")

	// ErrTooManyInvalid reports that a single batch accumulated more
	// invalid samples than the configured bound.
	ErrTooManyInvalid = errors.New("too many invalid samples in batch")

	// ErrTimeout reports that no worker produced any traffic within the
	// configured wait bound.
	ErrTimeout = errors.New("timed out waiting for workers")

	// ErrDuplicateWorker reports two connections claiming the same id.
	ErrDuplicateWorker = errors.New("duplicate worker id")

	ErrNoPredictor = errors.New("no prediction model configured")
)
