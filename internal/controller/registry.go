package controller

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cy0x6789/LandingPDFSnap/internal/render"
)

// Registry maps job IDs to their live browser session so that a cancel
// request can find and terminate it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]registration
}

type registration struct {
	session render.Session
	cancel  context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]registration)}
}

// Register records the session of a running job. cancel aborts the job's
// context and may be nil.
func (r *Registry) Register(jobID string, s render.Session, cancel context.CancelFunc) {
	r.mu.Lock()
	r.sessions[jobID] = registration{session: s, cancel: cancel}
	r.mu.Unlock()
}

// Release deregisters the job's session, cancels its context and closes it.
// It reports whether a session was registered. Safe to call more than once.
func (r *Registry) Release(jobID string) bool {
	r.mu.Lock()
	reg, ok := r.sessions[jobID]
	delete(r.sessions, jobID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	if reg.cancel != nil {
		reg.cancel()
	}
	if err := reg.session.Close(); err != nil {
		slog.Debug("session close", "job_id", jobID, "error", err)
	}
	return true
}

// Has reports whether jobID currently holds a session.
func (r *Registry) Has(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[jobID]
	return ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
