package job

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.db.Close() })
	return store
}

// stores returns one instance of every Store implementation.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newTestStore(t),
	}
}

func makeJob(id string, urls ...string) *Job {
	return New(id, urls, "/tmp/out", "", time.Now())
}

func ptr[T any](v T) *T { return &v }

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			j := makeJob("job-1", "https://a.example", "https://b.example")
			if err := store.Create(ctx, j); err != nil {
				t.Fatalf("Create: %v", err)
			}

			got, err := store.Get(ctx, "job-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got == nil {
				t.Fatal("Get returned nil, want job")
			}
			if got.ID != j.ID {
				t.Errorf("ID = %q, want %q", got.ID, j.ID)
			}
			if got.Status != StatusPending {
				t.Errorf("Status = %q, want %q", got.Status, StatusPending)
			}
			if got.Completed {
				t.Error("Completed = true, want false")
			}
			if len(got.URLStatuses) != 2 {
				t.Fatalf("len(URLStatuses) = %d, want 2", len(got.URLStatuses))
			}
			for i, us := range got.URLStatuses {
				if us.Status != URLPending {
					t.Errorf("URLStatuses[%d] = %q, want pending", i, us.Status)
				}
				if us.URL != j.URLs[i] {
					t.Errorf("URLStatuses[%d].URL = %q, want %q", i, us.URL, j.URLs[i])
				}
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := store.Get(ctx, "nonexistent")
			if err != nil {
				t.Fatalf("Get: unexpected error: %v", err)
			}
			if got != nil {
				t.Errorf("Get returned %+v, want nil", got)
			}
		})
	}
}

func TestUpdate_MergesOnlySuppliedFields(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Create(ctx, makeJob("job-2", "https://a.example")); err != nil {
				t.Fatalf("Create: %v", err)
			}

			got, err := store.Update(ctx, "job-2", Patch{Status: ptr(StatusProcessing)})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if got.Status != StatusProcessing {
				t.Errorf("Status = %q, want processing", got.Status)
			}
			if got.StartedAt == nil {
				t.Error("StartedAt is nil, want non-nil")
			}
			if got.OutputPath != "/tmp/out" {
				t.Errorf("OutputPath = %q, want unchanged", got.OutputPath)
			}
			if got.Revision != 1 {
				t.Errorf("Revision = %d, want 1", got.Revision)
			}

			got, err = store.Update(ctx, "job-2", Patch{OutputPath: ptr("/srv/out")})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if got.Status != StatusProcessing {
				t.Errorf("Status = %q, want processing to survive", got.Status)
			}
			if got.OutputPath != "/srv/out" {
				t.Errorf("OutputPath = %q, want /srv/out", got.OutputPath)
			}
		})
	}
}

func TestUpdate_URLLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Create(ctx, makeJob("job-3", "https://a.example")); err != nil {
				t.Fatalf("Create: %v", err)
			}

			// Skipping processing is rejected.
			_, err := store.Update(ctx, "job-3", Patch{URL: &URLUpdate{Index: 0, Status: URLComplete}})
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("pending->complete err = %v, want ErrInvalidTransition", err)
			}

			if _, err := store.Update(ctx, "job-3", Patch{URL: &URLUpdate{Index: 0, Status: URLProcessing}}); err != nil {
				t.Fatalf("pending->processing: %v", err)
			}
			got, err := store.Update(ctx, "job-3", Patch{
				URL:       &URLUpdate{Index: 0, Status: URLFailed, Error: "timeout"},
				FailCount: ptr(1),
			})
			if err != nil {
				t.Fatalf("processing->failed: %v", err)
			}
			if got.URLStatuses[0].Status != URLFailed || got.URLStatuses[0].Error != "timeout" {
				t.Errorf("URLStatuses[0] = %+v, want failed/timeout", got.URLStatuses[0])
			}
			if got.FailCount != 1 {
				t.Errorf("FailCount = %d, want 1", got.FailCount)
			}

			// Regression from a terminal URL state is rejected.
			_, err = store.Update(ctx, "job-3", Patch{URL: &URLUpdate{Index: 0, Status: URLProcessing}})
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("failed->processing err = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestUpdate_FinalizedJobRejectsWrites(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Create(ctx, makeJob("job-4", "https://a.example")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			got, err := store.Update(ctx, "job-4", Patch{Status: ptr(StatusCancelled)})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if !got.Completed || got.CompletedAt == nil {
				t.Errorf("Completed = %v, CompletedAt = %v; want terminal", got.Completed, got.CompletedAt)
			}

			_, err = store.Update(ctx, "job-4", Patch{Status: ptr(StatusCompleted)})
			if !errors.Is(err, ErrFinalized) {
				t.Fatalf("second terminal write err = %v, want ErrFinalized", err)
			}

			after, err := store.Get(ctx, "job-4")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if after.Status != StatusCancelled {
				t.Errorf("Status = %q, want cancelled to win", after.Status)
			}
			if after.Revision != got.Revision {
				t.Errorf("Revision = %d, want %d", after.Revision, got.Revision)
			}
		})
	}
}

func TestUpdate_NotFound(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := store.Update(ctx, "missing", Patch{Status: ptr(StatusProcessing)})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if got != nil {
				t.Errorf("Update returned %+v, want nil", got)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Create(ctx, makeJob("job-5", "https://a.example")); err != nil {
				t.Fatalf("Create: %v", err)
			}

			ok, err := store.Delete(ctx, "job-5")
			if err != nil || !ok {
				t.Fatalf("Delete = %v, %v; want true, nil", ok, err)
			}
			ok, err = store.Delete(ctx, "job-5")
			if err != nil || ok {
				t.Errorf("second Delete = %v, %v; want false, nil", ok, err)
			}

			got, err := store.Get(ctx, "job-5")
			if err != nil {
				t.Fatalf("Get after delete: %v", err)
			}
			if got != nil {
				t.Errorf("Get after delete returned %+v, want nil", got)
			}
		})
	}
}

func TestList_NewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().Add(-time.Hour)
			for i, id := range []string{"old", "mid", "new"} {
				j := New(id, []string{"https://a.example"}, "/tmp/out", "", base.Add(time.Duration(i)*time.Minute))
				if err := store.Create(ctx, j); err != nil {
					t.Fatalf("Create %s: %v", id, err)
				}
			}

			jobs, total, err := store.List(ctx, 2, 0)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if total != 3 {
				t.Errorf("total = %d, want 3", total)
			}
			if len(jobs) != 2 || jobs[0].ID != "new" || jobs[1].ID != "mid" {
				t.Errorf("page = %v, want [new mid]", ids(jobs))
			}

			jobs, _, err = store.List(ctx, 2, 2)
			if err != nil {
				t.Fatalf("List offset: %v", err)
			}
			if len(jobs) != 1 || jobs[0].ID != "old" {
				t.Errorf("page 2 = %v, want [old]", ids(jobs))
			}
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, makeJob("job-6", "https://a.example")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := store.Get(ctx, "job-6")
	got.URLStatuses[0].Status = URLComplete

	again, _ := store.Get(ctx, "job-6")
	if again.URLStatuses[0].Status != URLPending {
		t.Errorf("stored status mutated through a reader copy: %q", again.URLStatuses[0].Status)
	}
}

func TestFailInterrupted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"job-a", "job-b", "job-c"} {
		if err := store.Create(ctx, makeJob(id, "https://a.example")); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if _, err := store.Update(ctx, "job-b", Patch{Status: ptr(StatusProcessing)}); err != nil {
		t.Fatalf("Update job-b: %v", err)
	}
	if _, err := store.Update(ctx, "job-c", Patch{Status: ptr(StatusCompleted)}); err != nil {
		t.Fatalf("Update job-c: %v", err)
	}

	got, err := store.FailInterrupted(ctx, "interrupted by restart")
	if err != nil {
		t.Fatalf("FailInterrupted: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("FailInterrupted returned %v, want 2 ids", got)
	}

	b, _ := store.Get(ctx, "job-b")
	if b.Status != StatusFailed || !b.Completed || b.Error != "interrupted by restart" {
		t.Errorf("job-b = %s/%v/%q, want failed/true/reason", b.Status, b.Completed, b.Error)
	}
	c, _ := store.Get(ctx, "job-c")
	if c.Status != StatusCompleted {
		t.Errorf("job-c Status = %q, want completed untouched", c.Status)
	}
}

func ids(jobs []*Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
