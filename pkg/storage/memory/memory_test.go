package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/storage"
)

func makeSession(id string, created time.Time) *api.Session {
	return &api.Session{
		ID:          id,
		Object:      "session",
		ProtocolID:  "urinalysis",
		Status:      api.SessionStatusStarted,
		CurrentStep: 1,
		Steps: []api.Step{
			{ID: "s1", Order: 1, Kind: api.StepKindInstruction, Required: true, Config: api.InstructionConfig{}},
		},
		Data:      api.StepData{},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	sess := makeSession("sess_1", time.Unix(1000, 0))
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.Version != 1 {
		t.Errorf("Version = %d, want 1", sess.Version)
	}

	got, err := s.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.ProtocolID != "urinalysis" {
		t.Errorf("ProtocolID = %q, want %q", got.ProtocolID, "urinalysis")
	}
	if len(got.Steps) != 1 {
		t.Errorf("len(Steps) = %d, want 1", len(got.Steps))
	}
}

func TestGetNotFound(t *testing.T) {
	s := New(0)
	_, err := s.GetSession(context.Background(), "sess_missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateCreate(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	s.CreateSession(ctx, makeSession("sess_dup", time.Now()))
	err := s.CreateSession(ctx, makeSession("sess_dup", time.Now()))
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestReadsAreIsolated(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	s.CreateSession(ctx, makeSession("sess_iso", time.Now()))

	got, _ := s.GetSession(ctx, "sess_iso")
	got.Data[1] = api.StepOutput{"acknowledged": true}
	got.CurrentStep = 9

	again, _ := s.GetSession(ctx, "sess_iso")
	if len(again.Data) != 0 || again.CurrentStep != 1 {
		t.Errorf("mutating a read copy changed the store: %+v", again)
	}
}

func TestUpdateCompareAndSwap(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	s.CreateSession(ctx, makeSession("sess_cas", time.Now()))

	a, _ := s.GetSession(ctx, "sess_cas")
	b, _ := s.GetSession(ctx, "sess_cas")

	a.CurrentStep = 2
	if err := s.UpdateSession(ctx, a); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("Version after update = %d, want 2", a.Version)
	}

	b.CurrentStep = 3
	if err := s.UpdateSession(ctx, b); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("stale update: expected ErrVersionConflict, got %v", err)
	}

	got, _ := s.GetSession(ctx, "sess_cas")
	if got.CurrentStep != 2 {
		t.Errorf("CurrentStep = %d, want 2 (stale write must not land)", got.CurrentStep)
	}
}

func TestDeleteCascades(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	s.CreateSession(ctx, makeSession("sess_del", time.Now()))
	s.CreateCapture(ctx, &api.Capture{ID: "cap_1", SessionID: "sess_del", AnalysisStatus: api.AnalysisStatusPending})
	s.AppendAudit(ctx, &api.AuditEntry{SessionID: "sess_del", EventType: api.AuditSessionCreated})

	if err := s.DeleteSession(ctx, "sess_del"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := s.GetCapture(ctx, "cap_1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("capture survived delete: %v", err)
	}
	if _, err := s.ListAudit(ctx, "sess_del"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("audit survived delete: %v", err)
	}
	if err := s.DeleteSession(ctx, "sess_del"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestCaptureRequiresSession(t *testing.T) {
	s := New(0)
	err := s.CreateCapture(context.Background(), &api.Capture{ID: "cap_orphan", SessionID: "sess_none"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCaptureLifecycle(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	s.CreateSession(ctx, makeSession("sess_c", time.Now()))

	for i := 1; i <= 3; i++ {
		c := &api.Capture{ID: fmt.Sprintf("cap_%d", i), SessionID: "sess_c", StepOrder: i, AnalysisStatus: api.AnalysisStatusPending}
		if err := s.CreateCapture(ctx, c); err != nil {
			t.Fatalf("CreateCapture(%d) failed: %v", i, err)
		}
	}

	c, _ := s.GetCapture(ctx, "cap_2")
	c.AnalysisStatus = api.AnalysisStatusCompleted
	c.Result = map[string]any{"glucose": "negative"}
	if err := s.UpdateCapture(ctx, c); err != nil {
		t.Fatalf("UpdateCapture failed: %v", err)
	}

	list, err := s.ListCaptures(ctx, "sess_c")
	if err != nil {
		t.Fatalf("ListCaptures failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len(ListCaptures) = %d, want 3", len(list))
	}
	for i, c := range list {
		if c.StepOrder != i+1 {
			t.Errorf("list[%d].StepOrder = %d, want %d", i, c.StepOrder, i+1)
		}
	}
	if list[1].AnalysisStatus != api.AnalysisStatusCompleted {
		t.Errorf("AnalysisStatus = %q, want completed", list[1].AnalysisStatus)
	}

	if err := s.UpdateCapture(ctx, &api.Capture{ID: "cap_none"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditSequence(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	s.CreateSession(ctx, makeSession("sess_a", time.Now()))

	types := []api.AuditEventType{api.AuditSessionCreated, api.AuditStepCompleted, api.AuditSessionCompleted}
	for _, et := range types {
		if err := s.AppendAudit(ctx, &api.AuditEntry{SessionID: "sess_a", EventType: et}); err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
	}

	entries, err := s.ListAudit(ctx, "sess_a")
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != len(types) {
		t.Fatalf("len(entries) = %d, want %d", len(entries), len(types))
	}
	for i, e := range entries {
		if e.EventType != types[i] {
			t.Errorf("entries[%d].EventType = %q, want %q", i, e.EventType, types[i])
		}
		if i > 0 && e.ID <= entries[i-1].ID {
			t.Errorf("audit IDs not increasing: %d after %d", e.ID, entries[i-1].ID)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	s := New(0)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck = %v, want nil", err)
	}
}

func TestLRUEviction(t *testing.T) {
	s := New(3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		s.CreateSession(ctx, makeSession(fmt.Sprintf("sess_%d", i), time.Unix(int64(i), 0)))
	}
	s.CreateCapture(ctx, &api.Capture{ID: "cap_of_2", SessionID: "sess_2"})

	// Touch sess_1 so sess_2 becomes the least recently used.
	s.GetSession(ctx, "sess_1")

	s.CreateSession(ctx, makeSession("sess_4", time.Unix(4, 0)))

	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
	if _, err := s.GetSession(ctx, "sess_2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("sess_2 should have been evicted, got %v", err)
	}
	if _, err := s.GetCapture(ctx, "cap_of_2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("captures of evicted session should be gone, got %v", err)
	}
	if _, err := s.GetSession(ctx, "sess_1"); err != nil {
		t.Errorf("sess_1 should still exist: %v", err)
	}
}

func TestLRUEviction_Unlimited(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		s.CreateSession(ctx, makeSession(fmt.Sprintf("sess_%03d", i), time.Unix(int64(i), 0)))
	}
	if s.Len() != 100 {
		t.Errorf("Len = %d, want 100", s.Len())
	}
}

func TestListSessions(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		sess := makeSession(fmt.Sprintf("sess_%d", i), time.Unix(int64(i), 0))
		if i%2 == 0 {
			sess.ProtocolID = "glucose"
			sess.Status = api.SessionStatusCompleted
		}
		sess.Owner = "tech"
		s.CreateSession(ctx, sess)
	}

	tests := []struct {
		name    string
		opts    storage.ListOptions
		wantIDs []string
		more    bool
	}{
		{name: "default desc", opts: storage.ListOptions{}, wantIDs: []string{"sess_5", "sess_4", "sess_3", "sess_2", "sess_1"}},
		{name: "asc limit", opts: storage.ListOptions{Order: "asc", Limit: 2}, wantIDs: []string{"sess_1", "sess_2"}, more: true},
		{name: "after cursor", opts: storage.ListOptions{Order: "asc", After: "sess_3"}, wantIDs: []string{"sess_4", "sess_5"}},
		{name: "before cursor", opts: storage.ListOptions{Order: "asc", Before: "sess_3"}, wantIDs: []string{"sess_1", "sess_2"}},
		{name: "protocol filter", opts: storage.ListOptions{ProtocolID: "glucose"}, wantIDs: []string{"sess_4", "sess_2"}},
		{name: "status filter", opts: storage.ListOptions{Status: api.SessionStatusStarted, Order: "asc"}, wantIDs: []string{"sess_1", "sess_3", "sess_5"}},
		{name: "owner filter", opts: storage.ListOptions{Owner: "nobody"}, wantIDs: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.ListSessions(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListSessions failed: %v", err)
			}
			if len(list.Data) != len(tt.wantIDs) {
				t.Fatalf("len(Data) = %d, want %d", len(list.Data), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if list.Data[i].ID != id {
					t.Errorf("Data[%d].ID = %q, want %q", i, list.Data[i].ID, id)
				}
			}
			if list.HasMore != tt.more {
				t.Errorf("HasMore = %v, want %v", list.HasMore, tt.more)
			}
		})
	}
}
