package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/storage"
	"github.com/rhuss/labflow/pkg/storage/memory"
)

func TestRecordDefaults(t *testing.T) {
	store := memory.New(0)
	ctx := storage.SetActor(context.Background(), "tech-4")
	store.CreateSession(ctx, &api.Session{ID: "sess_1"})

	log := New(store)
	fixed := time.Unix(1700000000, 0)
	log.now = func() time.Time { return fixed }

	err := log.Record(ctx, api.AuditEntry{
		SessionID:   "sess_1",
		EventType:   api.AuditSessionCreated,
		AfterStatus: string(api.SessionStatusStarted),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := log.List(ctx, "sess_1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Actor != "tech-4" {
		t.Errorf("Actor = %q, want tech-4", e.Actor)
	}
	if !e.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", e.CreatedAt, fixed)
	}
}

func TestRecordExplicitActorWins(t *testing.T) {
	store := memory.New(0)
	ctx := storage.SetActor(context.Background(), "tech-4")
	store.CreateSession(ctx, &api.Session{ID: "sess_1"})

	log := New(store)
	log.Record(ctx, api.AuditEntry{SessionID: "sess_1", EventType: api.AuditAnalysisCompleted, Actor: "analysis"})

	entries, _ := log.List(ctx, "sess_1")
	if entries[0].Actor != "analysis" {
		t.Errorf("Actor = %q, want analysis", entries[0].Actor)
	}
}

func TestRecordErrors(t *testing.T) {
	log := New(memory.New(0))
	ctx := context.Background()

	if err := log.Record(ctx, api.AuditEntry{EventType: api.AuditSessionCreated}); err == nil {
		t.Error("entry without session id should be rejected")
	}
	err := log.Record(ctx, api.AuditEntry{SessionID: "sess_gone", EventType: api.AuditSessionCreated})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want wrapped ErrNotFound", err)
	}
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) Record(context.Context, api.AuditEntry) error {
	f.calls++
	return errors.New("disk full")
}

func TestEmitSwallowsErrors(t *testing.T) {
	r := &failingRecorder{}
	Emit(context.Background(), r, api.AuditEntry{SessionID: "sess_1"})
	if r.calls != 1 {
		t.Errorf("calls = %d, want 1", r.calls)
	}
	Emit(context.Background(), nil, api.AuditEntry{SessionID: "sess_1"})
}
