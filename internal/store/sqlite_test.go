package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/fragments/internal/domain"
	"github.com/ashureev/fragments/internal/step"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "fragments.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProject(t *testing.T, s *SQLiteStore, id string) {
	t.Helper()
	now := time.UnixMilli(1_000)
	if err := s.CreateProject(context.Background(), &domain.Project{
		ID: id, Name: "calm-otter", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
}

func TestPragmasApplyToEveryConnection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Hold several connections at once so the pool has to open new ones.
	conns := make([]*sql.Conn, 3)
	for i := range conns {
		c, err := s.db.Conn(ctx)
		if err != nil {
			t.Fatalf("Conn %d failed: %v", i, err)
		}
		conns[i] = c
		defer c.Close()
	}

	for i, c := range conns {
		var journal string
		var busy, fk int
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal); err != nil {
			t.Fatalf("conn %d journal_mode: %v", i, err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy); err != nil {
			t.Fatalf("conn %d busy_timeout: %v", i, err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatalf("conn %d foreign_keys: %v", i, err)
		}
		if journal != "wal" || busy != 5000 || fk != 1 {
			t.Errorf("conn %d: journal_mode=%s busy_timeout=%d foreign_keys=%d", i, journal, busy, fk)
		}
	}
}

func TestGetProjectNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetProject(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentMessagesReplayChronologically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "p1")

	for i, id := range []string{"01M1", "01M2", "01M3"} {
		if err := s.CreateMessage(ctx, &domain.Message{
			ID: id, ProjectID: "p1", Role: domain.RoleUser, Type: domain.MessageTypeResult,
			Content: id, CreatedAt: time.UnixMilli(int64(i + 1)),
		}); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	recent, err := s.ListRecentMessages(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("ListRecentMessages failed: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "01M3" || recent[1].ID != "01M2" {
		t.Fatalf("expected newest first [01M3 01M2], got %v", ids(recent))
	}

	all, err := s.ListMessages(ctx, "p1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if got := ids(all); len(got) != 3 || got[0] != "01M1" || got[2] != "01M3" {
		t.Fatalf("expected chronological order, got %v", got)
	}
}

func TestRecentMessagesBreakTiesByID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "p1")

	at := time.UnixMilli(5)
	for _, id := range []string{"01B", "01A"} {
		if err := s.CreateMessage(ctx, &domain.Message{
			ID: id, ProjectID: "p1", Role: domain.RoleUser, Type: domain.MessageTypeResult,
			Content: id, CreatedAt: at,
		}); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	recent, err := s.ListRecentMessages(ctx, "p1", 5)
	if err != nil {
		t.Fatalf("ListRecentMessages failed: %v", err)
	}
	if got := ids(recent); got[0] != "01B" || got[1] != "01A" {
		t.Fatalf("expected [01B 01A], got %v", got)
	}
}

func TestSaveOutcomeWithFragment(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "p1")

	files := map[string]string{"app/page.tsx": "export default function Page() {}"}
	msg := &domain.Message{
		ID: "01R", ProjectID: "p1", InvocationID: "inv-1",
		Role: domain.RoleAssistant, Type: domain.MessageTypeResult,
		Content: "Here you go", CreatedAt: time.UnixMilli(10),
		Fragment: &domain.Fragment{SandboxURL: "http://localhost:32768", Title: "Landing Page", Files: files},
	}
	if err := s.SaveOutcome(ctx, msg); err != nil {
		t.Fatalf("SaveOutcome failed: %v", err)
	}
	if msg.Fragment.ID == "" || msg.Fragment.Digest != DigestFiles(files) {
		t.Fatalf("expected fragment id and digest assigned, got %+v", msg.Fragment)
	}

	frag, err := s.GetFragment(ctx, msg.Fragment.ID)
	if err != nil {
		t.Fatalf("GetFragment failed: %v", err)
	}
	if frag.MessageID != "01R" || frag.Files["app/page.tsx"] != files["app/page.tsx"] {
		t.Fatalf("unexpected fragment: %+v", frag)
	}

	all, err := s.ListMessages(ctx, "p1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(all) != 1 || all[0].Fragment == nil || all[0].Fragment.Title != "Landing Page" {
		t.Fatalf("expected message with fragment, got %+v", all)
	}
	if all[0].InvocationID != "inv-1" {
		t.Errorf("expected invocation id inv-1, got %q", all[0].InvocationID)
	}
}

func TestSaveOutcomeIsIdempotentPerInvocation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "p1")

	first := &domain.Message{
		ID: "01E1", ProjectID: "p1", InvocationID: "inv-1",
		Role: domain.RoleAssistant, Type: domain.MessageTypeError,
		Content: "Something went wrong. Please try again.", CreatedAt: time.UnixMilli(10),
	}
	if err := s.SaveOutcome(ctx, first); err != nil {
		t.Fatalf("SaveOutcome failed: %v", err)
	}

	retry := *first
	retry.ID = "01E2"
	if err := s.SaveOutcome(ctx, &retry); err != nil {
		t.Fatalf("second SaveOutcome failed: %v", err)
	}
	if retry.ID != "01E1" {
		t.Errorf("expected existing message id, got %s", retry.ID)
	}

	all, err := s.ListMessages(ctx, "p1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(all) != 1 || all[0].Fragment != nil {
		t.Fatalf("expected exactly one error message without fragment, got %+v", all)
	}
}

func TestGetFragmentNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetFragment(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvocationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	for _, id := range []string{"inv-1", "inv-2", "inv-3"} {
		if err := s.CreateInvocation(ctx, &domain.Invocation{
			ID: id, ProjectID: "p1", Value: "build a todo app",
			Status: domain.InvocationPending, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("CreateInvocation failed: %v", err)
		}
		now = now.Add(time.Millisecond)
	}

	if err := s.UpdateInvocation(ctx, "inv-2", domain.InvocationRunning, 1, ""); err != nil {
		t.Fatalf("UpdateInvocation failed: %v", err)
	}
	if err := s.UpdateInvocation(ctx, "inv-3", domain.InvocationFailed, 4, "sandbox unreachable"); err != nil {
		t.Fatalf("UpdateInvocation failed: %v", err)
	}
	if err := s.UpdateInvocation(ctx, "missing", domain.InvocationFailed, 1, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing invocation, got %v", err)
	}

	resumable, err := s.ListResumableInvocations(ctx)
	if err != nil {
		t.Fatalf("ListResumableInvocations failed: %v", err)
	}
	if len(resumable) != 2 || resumable[0].ID != "inv-1" || resumable[1].ID != "inv-2" {
		t.Fatalf("expected [inv-1 inv-2], got %+v", resumable)
	}

	failed, err := s.GetInvocation(ctx, "inv-3")
	if err != nil {
		t.Fatalf("GetInvocation failed: %v", err)
	}
	if !failed.IsTerminal() || failed.LastError != "sandbox unreachable" || failed.Attempts != 4 {
		t.Fatalf("unexpected invocation: %+v", failed)
	}
}

func TestSandboxLeases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	leases := []*domain.SandboxLease{
		{SandboxID: "expired", Template: "fragments-nextjs:latest", ExpiresAt: now.Add(-time.Minute), CreatedAt: now},
		{SandboxID: "live", Template: "fragments-nextjs:latest", ExpiresAt: now.Add(time.Hour), CreatedAt: now},
	}
	for _, l := range leases {
		if err := s.UpsertSandboxLease(ctx, l); err != nil {
			t.Fatalf("UpsertSandboxLease failed: %v", err)
		}
	}

	expired, err := s.GetExpiredSandboxLeases(ctx, now)
	if err != nil {
		t.Fatalf("GetExpiredSandboxLeases failed: %v", err)
	}
	if len(expired) != 1 || expired[0].SandboxID != "expired" {
		t.Fatalf("expected only the expired lease, got %+v", expired)
	}

	// Extending a lease moves it out of the expired set.
	extended := *leases[0]
	extended.ExpiresAt = now.Add(20 * time.Minute)
	if err := s.UpsertSandboxLease(ctx, &extended); err != nil {
		t.Fatalf("UpsertSandboxLease failed: %v", err)
	}
	expired, err = s.GetExpiredSandboxLeases(ctx, now)
	if err != nil {
		t.Fatalf("GetExpiredSandboxLeases failed: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected no expired leases, got %+v", expired)
	}

	if err := s.DeleteSandboxLease(ctx, "live"); err != nil {
		t.Fatalf("DeleteSandboxLease failed: %v", err)
	}
	if err := s.DeleteSandboxLease(ctx, "live"); err != nil {
		t.Fatalf("second DeleteSandboxLease failed: %v", err)
	}
}

func TestStepStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	calls := 0
	fn := func(context.Context) (string, error) {
		calls++
		return "sbx-123", nil
	}

	if _, err := step.Do(ctx, step.NewRunner("inv-1", s, nil), "get-sandbox-id", nil, fn); err != nil {
		t.Fatalf("first Do failed: %v", err)
	}
	got, err := step.Do(ctx, step.NewRunner("inv-1", s, nil), "get-sandbox-id", nil, fn)
	if err != nil {
		t.Fatalf("replayed Do failed: %v", err)
	}
	if got != "sbx-123" || calls != 1 {
		t.Fatalf("expected cached sbx-123 after one call, got %q after %d calls", got, calls)
	}

	missing, err := s.LoadStep(ctx, "inv-1", "terminal")
	if err != nil || missing != nil {
		t.Fatalf("expected nil record for missing step, got %+v, %v", missing, err)
	}
}

func TestDigestFilesIsOrderIndependent(t *testing.T) {
	a := DigestFiles(map[string]string{"a": "1", "b": "2"})
	b := DigestFiles(map[string]string{"b": "2", "a": "1"})
	if a != b {
		t.Fatalf("expected equal digests, got %s and %s", a, b)
	}
	// Length prefixes keep path/content boundaries distinct.
	if DigestFiles(map[string]string{"ab": "c"}) == DigestFiles(map[string]string{"a": "bc"}) {
		t.Fatal("expected different digests for shifted boundaries")
	}
}

func ids(messages []*domain.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}
