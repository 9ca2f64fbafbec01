package job

import "context"

// Store persists and retrieves jobs.
// Get and Update return (nil, nil) when the job does not exist.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Update merges p into the stored job and returns the new snapshot.
	// It returns ErrFinalized if the job is already terminal.
	Update(ctx context.Context, id string, p Patch) (*Job, error)
	// Delete reports whether a job was removed.
	Delete(ctx context.Context, id string) (bool, error)
	// List returns a page of jobs ordered by created_at DESC, plus the total count.
	List(ctx context.Context, limit, offset int) ([]*Job, int, error)
	Close() error
}

// clampPage normalises pagination parameters shared by all stores.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Recoverer is implemented by stores that outlive the process and may hold
// jobs interrupted by a restart.
type Recoverer interface {
	FailInterrupted(ctx context.Context, reason string) ([]string, error)
}
