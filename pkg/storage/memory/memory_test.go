package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rhuss/ptcgate/pkg/api"
	"github.com/rhuss/ptcgate/pkg/storage"
)

func makeRecord(id string) *storage.Record {
	now := time.Now()
	return &storage.Record{
		SessionID:  id,
		State:      api.SessionCompleted,
		Iterations: 2,
		CreatedAt:  now.Add(-time.Minute),
		RetiredAt:  now,
	}
}

func TestSaveAndGet(t *testing.T) {
	j := New(0)
	ctx := context.Background()

	rec := makeRecord("ptc_sess_1")
	rec.State = api.SessionFailed
	rec.Error = api.NewExecutionTimeoutError("code ran for 60s")
	if err := j.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := j.GetSession(ctx, "ptc_sess_1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.State != api.SessionFailed {
		t.Errorf("State = %v, want failed", got.State)
	}
	if got.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", got.Iterations)
	}
	if !errors.Is(got.Error, api.ErrExecutionTimeout) {
		t.Errorf("Error = %v", got.Error)
	}

	// Returned records are copies.
	got.Iterations = 99
	again, _ := j.GetSession(ctx, "ptc_sess_1")
	if again.Iterations != 2 {
		t.Error("mutating a returned record changed the journal")
	}
}

func TestGetNotFound(t *testing.T) {
	j := New(0)
	_, err := j.GetSession(context.Background(), "ptc_sess_missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveConflict(t *testing.T) {
	j := New(0)
	ctx := context.Background()

	if err := j.SaveSession(ctx, makeRecord("ptc_sess_dup")); err != nil {
		t.Fatal(err)
	}
	err := j.SaveSession(ctx, makeRecord("ptc_sess_dup"))
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestLRUEviction(t *testing.T) {
	j := New(3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		j.SaveSession(ctx, makeRecord(fmt.Sprintf("s%d", i)))
	}

	// Touch s1 so s2 becomes the least recently used.
	if _, err := j.GetSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	j.SaveSession(ctx, makeRecord("s4"))

	if j.Len() != 3 {
		t.Errorf("Len = %d, want 3", j.Len())
	}
	if _, err := j.GetSession(ctx, "s2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("s2 should have been evicted, got %v", err)
	}
	for _, id := range []string{"s1", "s3", "s4"} {
		if _, err := j.GetSession(ctx, id); err != nil {
			t.Errorf("%s missing: %v", id, err)
		}
	}
}

func TestHealthCheckAndClose(t *testing.T) {
	j := New(0)
	if err := j.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
