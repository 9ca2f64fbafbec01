// Package controller owns the job lifecycle: it accepts submissions, runs
// each job's URLs through one shared browser session, and handles
// cancellation while a job is in flight.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cy0x6789/LandingPDFSnap/internal/config"
	"github.com/cy0x6789/LandingPDFSnap/internal/job"
	"github.com/cy0x6789/LandingPDFSnap/internal/metrics"
	"github.com/cy0x6789/LandingPDFSnap/internal/render"
	"github.com/cy0x6789/LandingPDFSnap/internal/webhook"
	"github.com/cy0x6789/LandingPDFSnap/internal/worker"
)

var (
	ErrQueueFull = errors.New("queue full")
	ErrNotFound  = errors.New("job not found")
	ErrActive    = errors.New("job is still active")
)

// outputSentinels are placeholder values clients send when no directory was chosen.
var outputSentinels = map[string]bool{
	"":                true,
	"undefined":       true,
	"null":            true,
	"/path/to/output": true,
}

// SSEEvent represents a Server-Sent Events event.
type SSEEvent struct {
	Event string // "status", "result"
	Data  string // JSON job snapshot
}

// Listener receives every accepted job write. Implementations must not block
// or mutate the job.
type Listener interface {
	JobUpdated(j *job.Job)
}

type Option func(*Controller)

// WithRegistry injects the session registry, mainly so tests can inspect it.
func WithRegistry(r *Registry) Option {
	return func(c *Controller) { c.registry = r }
}

func WithListener(l Listener) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithNotifier(n *webhook.Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// Controller manages the job queue, its workers and the session registry.
type Controller struct {
	cfg       *config.Config
	store     job.Store
	browser   render.Browser
	registry  *Registry
	capture   worker.Options
	metrics   *metrics.Metrics
	notifier  *webhook.Notifier
	listeners []Listener

	jobs   chan string
	active atomic.Int32
	wg     sync.WaitGroup

	mu   sync.RWMutex
	subs map[string][]chan SSEEvent
}

func New(cfg *config.Config, store job.Store, browser render.Browser, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		store:   store,
		browser: browser,
		capture: worker.Options{
			NavigationTimeout: cfg.Capture.NavigationTimeout,
			SettleDelay:       cfg.Capture.SettleDelay,
			ScrollSettleDelay: cfg.Capture.ScrollSettleDelay,
			ScrollStep:        cfg.Capture.ScrollStep,
			ScrollInterval:    cfg.Capture.ScrollInterval,
			MaxScrollSteps:    cfg.Capture.MaxScrollSteps,
		},
		jobs: make(chan string, cfg.QueueSize),
		subs: make(map[string][]chan SSEEvent),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = NewRegistry()
	}
	return c
}

// Start launches cfg.Concurrency workers. They stop when ctx is cancelled.
func (c *Controller) Start(ctx context.Context) {
	for range c.cfg.Concurrency {
		c.wg.Add(1)
		go c.runWorker(ctx)
	}
}

// Wait blocks until every worker has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Active returns the number of jobs currently being processed.
func (c *Controller) Active() int {
	return int(c.active.Load())
}

// Submit stores a pending job and queues it. The returned snapshot has every
// URL pending; processing happens in the background.
func (c *Controller) Submit(ctx context.Context, req job.CreateRequest) (*job.Job, error) {
	j := job.New(uuid.NewString(), req.URLs, req.OutputPath, req.CallbackURL, time.Now())
	if err := c.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	select {
	case c.jobs <- j.ID:
	default:
		if _, err := c.store.Delete(ctx, j.ID); err != nil {
			slog.Warn("failed to remove unqueued job", "job_id", j.ID, "error", err)
		}
		return nil, ErrQueueFull
	}

	c.metrics.JobSubmitted()
	slog.Info("job submitted", "job_id", j.ID, "urls", len(j.URLs), "output_path", j.OutputPath)
	return j, nil
}

// Status returns the current job record, or nil if the job is unknown.
func (c *Controller) Status(ctx context.Context, id string) (*job.Job, error) {
	return c.store.Get(ctx, id)
}

func (c *Controller) List(ctx context.Context, limit, offset int) ([]*job.Job, int, error) {
	return c.store.List(ctx, limit, offset)
}

// Cancel stops a job that has not finished yet. It returns false when the job
// is unknown or already terminal, leaving the record untouched.
//
// The cancelled status is written before the session is closed. Store
// updates reject writes to a finalized job, so whichever terminal write lands
// first wins and the processing routine stops at its next write.
func (c *Controller) Cancel(ctx context.Context, id string) (bool, error) {
	j, err := c.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if j == nil || j.Completed {
		return false, nil
	}

	cancelled := job.StatusCancelled
	final, err := c.write(ctx, id, job.Patch{Status: &cancelled})
	if errors.Is(err, job.ErrFinalized) || errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	hadSession := c.registry.Release(id)
	slog.Info("job cancelled", "job_id", id, "session_closed", hadSession)
	c.finish(ctx, final)
	return true, nil
}

// Delete removes a finished job record. Generated files are left on disk.
func (c *Controller) Delete(ctx context.Context, id string) error {
	j, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return ErrNotFound
	}
	if !j.Completed {
		return ErrActive
	}
	ok, err := c.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Recovery fails jobs left unfinished by a previous run. Only persistent
// stores can hold such jobs.
func (c *Controller) Recovery(ctx context.Context) error {
	r, ok := c.store.(job.Recoverer)
	if !ok {
		return nil
	}
	ids, err := r.FailInterrupted(ctx, "interrupted by server restart")
	if err != nil {
		return fmt.Errorf("fail interrupted jobs: %w", err)
	}
	if len(ids) > 0 {
		slog.Warn("recovery: failed interrupted jobs", "count", len(ids), "job_ids", ids)
	}
	return nil
}

// Subscribe creates a buffered SSE channel for a job and returns it.
func (c *Controller) Subscribe(jobID string) chan SSEEvent {
	ch := make(chan SSEEvent, 64)
	c.mu.Lock()
	c.subs[jobID] = append(c.subs[jobID], ch)
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes an SSE channel from the map.
func (c *Controller) Unsubscribe(jobID string, ch chan SSEEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chans := c.subs[jobID]
	for i, s := range chans {
		if s == ch {
			c.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(c.subs[jobID]) == 0 {
		delete(c.subs, jobID)
	}
}

func (c *Controller) runWorker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-c.jobs:
			c.process(ctx, id)
		}
	}
}

// process runs one job to a terminal state.
func (c *Controller) process(ctx context.Context, id string) {
	c.active.Add(1)
	defer c.active.Add(-1)

	// Status writes must land even while the server is shutting down.
	wctx := context.WithoutCancel(ctx)
	log := slog.With("job_id", id)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing job", "panic", r, "stack", string(debug.Stack()))
			c.fail(wctx, id, fmt.Sprintf("internal error: %v", r))
		}
	}()

	j, err := c.store.Get(wctx, id)
	if err != nil {
		log.Error("load job", "error", err)
		return
	}
	if j == nil {
		log.Warn("job not found (deleted?)")
		return
	}
	if j.Completed {
		log.Debug("skipping finalized job", "status", j.Status)
		return
	}

	outDir := c.resolveOutputDir(j.OutputPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.Error("create output directory", "dir", outDir, "error", err)
		c.fail(wctx, id, fmt.Sprintf("create output directory: %v", err))
		return
	}

	processing := job.StatusProcessing
	p := job.Patch{Status: &processing}
	if outDir != j.OutputPath {
		p.OutputPath = &outDir
	}
	if _, err := c.write(wctx, id, p); err != nil {
		c.stopped(wctx, log, id, err)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := c.browser.Launch(jobCtx)
	if err != nil {
		log.Error("launch browser", "error", err)
		c.fail(wctx, id, err.Error())
		return
	}
	c.metrics.SessionOpened()
	c.registry.Register(id, sess, cancel)
	release := sync.OnceFunc(func() {
		c.registry.Release(id)
		// No-op when a cancel already closed it through the registry.
		if err := sess.Close(); err != nil {
			log.Debug("session close", "error", err)
		}
		c.metrics.SessionClosed()
	})
	defer release()

	outcomes := make([]worker.Outcome, 0, len(j.URLs))
	for i, u := range j.URLs {
		if ctx.Err() != nil {
			release()
			c.fail(wctx, id, "interrupted by server shutdown")
			return
		}

		upd := &job.URLUpdate{Index: i, Status: job.URLProcessing}
		if _, err := c.write(wctx, id, job.Patch{URL: upd}); err != nil {
			release()
			c.stopped(wctx, log, id, err)
			return
		}

		start := time.Now()
		out := worker.Capture(jobCtx, sess, u, outDir, c.capture)
		c.metrics.URLCaptured(out.OK(), time.Since(start))
		outcomes = append(outcomes, out)

		upd = &job.URLUpdate{Index: i, Status: job.URLComplete, File: out.File}
		if out.OK() {
			log.Info("url captured", "index", i, "url", u, "file", out.File, "duration", time.Since(start))
		} else {
			upd.Status = job.URLFailed
			upd.Error = out.Err.Error()
			log.Warn("url failed", "index", i, "url", u, "error", out.Err)
		}
		success, failed := worker.Tally(outcomes)
		if _, err := c.write(wctx, id, job.Patch{URL: upd, SuccessCount: &success, FailCount: &failed}); err != nil {
			release()
			c.stopped(wctx, log, id, err)
			return
		}
	}

	release()
	if ctx.Err() != nil {
		c.fail(wctx, id, "interrupted by server shutdown")
		return
	}

	success, failed := worker.Tally(outcomes)
	completed := job.StatusCompleted
	final, err := c.write(wctx, id, job.Patch{Status: &completed, SuccessCount: &success, FailCount: &failed})
	if err != nil {
		c.stopped(wctx, log, id, err)
		return
	}
	log.Info("job completed", "success", success, "failed", failed)
	c.finish(wctx, final)
}

// IsUnsetOutput reports whether p is a placeholder meaning "use the default
// output directory".
func IsUnsetOutput(p string) bool {
	return outputSentinels[strings.TrimSpace(p)]
}

func (c *Controller) resolveOutputDir(p string) string {
	if IsUnsetOutput(p) {
		return c.cfg.DefaultOutputDir
	}
	return p
}

// stopped handles a write the processing routine could not make. A job that
// was finalized or removed elsewhere is left alone; any other store error
// fails the job so pollers see a terminal state.
func (c *Controller) stopped(ctx context.Context, log *slog.Logger, id string, err error) {
	switch {
	case errors.Is(err, job.ErrFinalized):
		log.Info("job finalized elsewhere, stopping")
	case errors.Is(err, ErrNotFound):
		log.Warn("job removed while processing, stopping")
	default:
		log.Error("persist job state", "error", err)
		c.fail(ctx, id, "persist job state: "+err.Error())
	}
}

// fail moves the job to failed unless it is already terminal.
func (c *Controller) fail(ctx context.Context, id, msg string) {
	failed := job.StatusFailed
	final, err := c.write(ctx, id, job.Patch{Status: &failed, Error: &msg})
	switch {
	case errors.Is(err, job.ErrFinalized), errors.Is(err, ErrNotFound):
		return
	case err != nil:
		slog.Error("mark job failed", "job_id", id, "error", err)
		return
	}
	c.finish(ctx, final)
}

// write applies p and fans the new snapshot out to listeners and subscribers.
func (c *Controller) write(ctx context.Context, id string, p job.Patch) (*job.Job, error) {
	j, err := c.store.Update(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	for _, l := range c.listeners {
		l.JobUpdated(j)
	}
	c.notify(j.ID, SSEEvent{Event: "status", Data: snapshot(j)})
	return j, nil
}

// finish runs the terminal side effects for j exactly once per job, since
// only one terminal write can succeed.
func (c *Controller) finish(ctx context.Context, j *job.Job) {
	c.metrics.JobFinished(string(j.Status))
	c.notifyAndClose(j.ID, SSEEvent{Event: "result", Data: snapshot(j)})
	c.notifier.Notify(context.WithoutCancel(ctx), j)
}

func snapshot(j *job.Job) string {
	data, _ := json.Marshal(j)
	return string(data)
}

// notify sends an event to all subscribers of a job without blocking. The read
// lock is held while sending so notifyAndClose cannot close a channel mid-send.
func (c *Controller) notify(jobID string, event SSEEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ch := range c.subs[jobID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes all channels for the job.
func (c *Controller) notifyAndClose(jobID string, event SSEEvent) {
	c.mu.Lock()
	chans := c.subs[jobID]
	delete(c.subs, jobID)
	c.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}
