package job

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// URLState is the per-URL progress marker. It only moves forward one step at a
// time: pending -> processing -> complete|failed.
type URLState string

const (
	URLPending    URLState = "pending"
	URLProcessing URLState = "processing"
	URLComplete   URLState = "complete"
	URLFailed     URLState = "failed"
)

// IsTerminal returns true once a URL has an outcome.
func (s URLState) IsTerminal() bool {
	return s == URLComplete || s == URLFailed
}

// rank orders URL states so that regressions can be rejected.
func (s URLState) rank() int {
	switch s {
	case URLProcessing:
		return 1
	case URLComplete, URLFailed:
		return 2
	default:
		return 0
	}
}

// MaxURLs caps the number of URLs accepted in one job.
const MaxURLs = 100

// ErrFinalized is returned when a write targets a job already in a terminal state.
var ErrFinalized = errors.New("job already finalized")

// ErrInvalidTransition is returned when a URL status update would move backwards.
var ErrInvalidTransition = errors.New("invalid url status transition")

type URLStatus struct {
	URL    string   `json:"url"`
	Status URLState `json:"status"`
	Error  string   `json:"error,omitempty"`
	File   string   `json:"file,omitempty"`
}

type Job struct {
	ID           string      `json:"jobId"`
	URLs         []string    `json:"urls"`
	OutputPath   string      `json:"outputPath"`
	Status       Status      `json:"status"`
	Completed    bool        `json:"completed"`
	URLStatuses  []URLStatus `json:"urlStatuses"`
	SuccessCount int         `json:"successCount"`
	FailCount    int         `json:"failCount"`
	Error        string      `json:"error,omitempty"`
	CallbackURL  string      `json:"callbackUrl,omitempty"`
	Revision     int64       `json:"revision"`
	CreatedAt    time.Time   `json:"createdAt"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
}

// New builds a pending job with one pending URL status per input URL.
func New(id string, urls []string, outputPath, callbackURL string, now time.Time) *Job {
	statuses := make([]URLStatus, len(urls))
	for i, u := range urls {
		statuses[i] = URLStatus{URL: u, Status: URLPending}
	}
	return &Job{
		ID:          id,
		URLs:        append([]string(nil), urls...),
		OutputPath:  outputPath,
		Status:      StatusPending,
		URLStatuses: statuses,
		CallbackURL: callbackURL,
		CreatedAt:   now.UTC(),
	}
}

// Clone returns a deep copy so readers never share slices with the writer.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.URLs = append([]string(nil), j.URLs...)
	c.URLStatuses = append([]URLStatus(nil), j.URLStatuses...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// URLUpdate changes the state of the URL at Index.
type URLUpdate struct {
	Index  int
	Status URLState
	Error  string
	File   string
}

// Patch carries a partial update. Only non-nil fields overwrite the stored job.
type Patch struct {
	Status       *Status
	OutputPath   *string
	URL          *URLUpdate
	SuccessCount *int
	FailCount    *int
	Error        *string
}

// Apply merges p into j at time now. It refuses writes to a finalized job and
// backward URL transitions, and bumps the revision on success.
func (p Patch) Apply(j *Job, now time.Time) error {
	if j.Completed {
		return ErrFinalized
	}
	if p.URL != nil {
		u := p.URL
		if u.Index < 0 || u.Index >= len(j.URLStatuses) {
			return fmt.Errorf("url index %d out of range", u.Index)
		}
		cur := j.URLStatuses[u.Index]
		if u.Status.rank() != cur.Status.rank()+1 {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, u.Status)
		}
		j.URLStatuses[u.Index].Status = u.Status
		j.URLStatuses[u.Index].Error = u.Error
		j.URLStatuses[u.Index].File = u.File
	}
	if p.OutputPath != nil {
		j.OutputPath = *p.OutputPath
	}
	if p.SuccessCount != nil && *p.SuccessCount > j.SuccessCount {
		j.SuccessCount = *p.SuccessCount
	}
	if p.FailCount != nil && *p.FailCount > j.FailCount {
		j.FailCount = *p.FailCount
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	if p.Status != nil {
		j.Status = *p.Status
		t := now.UTC()
		if *p.Status == StatusProcessing && j.StartedAt == nil {
			j.StartedAt = &t
		}
		if p.Status.IsTerminal() {
			j.Completed = true
			j.CompletedAt = &t
		}
	}
	j.Revision++
	return nil
}

// CreateRequest is the payload used to submit a new job.
type CreateRequest struct {
	URLs        []string `json:"urls"`
	OutputPath  string   `json:"outputPath"`
	CallbackURL string   `json:"callbackUrl,omitempty"`
}

func (r *CreateRequest) Validate() error {
	if len(r.URLs) == 0 {
		return errors.New("urls must not be empty")
	}
	if len(r.URLs) > MaxURLs {
		return fmt.Errorf("at most %d urls per job", MaxURLs)
	}
	for _, raw := range r.URLs {
		if err := validateURL(raw); err != nil {
			return err
		}
	}
	if r.OutputPath == "" {
		return errors.New("outputPath must not be empty")
	}
	if r.CallbackURL != "" {
		if err := validateURL(r.CallbackURL); err != nil {
			return fmt.Errorf("callbackUrl: %w", err)
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must be absolute http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}
