package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/intynet/neti/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSession(id string) models.Session {
	now := time.Now().UTC().Truncate(time.Second)
	s := models.NewSession(id, "Budi", now)
	s.State = models.StateConfirmData
	s.Form[models.FieldInternalID] = "C650AD"
	s.Form[models.FieldDescription] = "Internet mati total sejak pagi"
	s.Validation = models.Validation{
		Status:  models.ValidationValid,
		Account: &models.Account{InternalID: "C650AD", Name: "Budi Santoso", Source: "ticketing"},
	}
	s.AppendTurn(models.RoleCustomer, "halo", now, 20)
	return s
}

// exerciseSessionStore runs the behaviour every SessionStore must share.
func exerciseSessionStore(t *testing.T, st SessionStore) {
	ctx := context.Background()

	got, err := st.GetSession(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("missing session: expected (nil, nil), got (%v, %v)", got, err)
	}

	want := sampleSession("6281111")
	want.TicketID = "RPT20260101"
	if err := st.PutSession(ctx, want, time.Hour); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	got, err = st.GetSession(ctx, want.CustomerID)
	if err != nil || got == nil {
		t.Fatalf("GetSession: %v %v", got, err)
	}
	if got.State != want.State || got.TicketID != want.TicketID {
		t.Errorf("round trip mismatch: state %s ticket %q", got.State, got.TicketID)
	}
	if got.Form[models.FieldInternalID] != "C650AD" || got.Form[models.FieldDescription] != want.Form[models.FieldDescription] {
		t.Errorf("form not preserved: %+v", got.Form)
	}
	if got.Validation.Account == nil || got.Validation.Account.Name != "Budi Santoso" {
		t.Errorf("account not preserved: %+v", got.Validation)
	}

	// Overwrite keeps a single record per customer.
	want.State = models.StateCompleted
	if err := st.PutSession(ctx, want, time.Hour); err != nil {
		t.Fatalf("PutSession overwrite: %v", err)
	}
	list, err := st.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	count := 0
	for _, s := range list {
		if s.CustomerID == want.CustomerID {
			count++
			if s.State != models.StateCompleted {
				t.Errorf("expected updated state, got %s", s.State)
			}
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one record for customer, got %d", count)
	}

	if err := st.DeleteSession(ctx, want.CustomerID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if got, _ := st.GetSession(ctx, want.CustomerID); got != nil {
		t.Error("session still present after delete")
	}
	if err := st.DeleteSession(ctx, want.CustomerID); err != nil {
		t.Errorf("deleting a missing session should not fail: %v", err)
	}

	bad := sampleSession("")
	if err := st.PutSession(ctx, bad, time.Hour); err == nil {
		t.Error("expected error storing a session without customer id")
	}

	if err := st.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestInMemoryStore(t *testing.T) {
	exerciseSessionStore(t, NewInMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	exerciseSessionStore(t, newTestSQLiteStore(t))
}

func TestPostgresStore(t *testing.T) {
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	pgStore.db.Exec("DELETE FROM sessions")
	exerciseSessionStore(t, pgStore)
}

func TestRedisStore(t *testing.T) {
	url := getenvOrSkip(t, "REDIS_URL")
	rs, err := NewRedisStore(WithRedisURL(url))
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer rs.Close()
	exerciseSessionStore(t, rs)
}

func TestInMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return clock }

	if err := st.PutSession(ctx, sampleSession("a"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := st.PutSession(ctx, sampleSession("b"), 0); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(2 * time.Minute)

	if got, _ := st.GetSession(ctx, "a"); got != nil {
		t.Error("expired session should be absent")
	}
	if got, _ := st.GetSession(ctx, "b"); got == nil {
		t.Error("session without ttl should persist")
	}
	list, _ := st.ListSessions(ctx)
	if len(list) != 1 {
		t.Errorf("expected 1 live session, got %d", len(list))
	}
}

func TestSQLiteStoreExpiryAndPurge(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	clock := time.Now().UTC()
	st.now = func() time.Time { return clock }

	if err := st.PutSession(ctx, sampleSession("a"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := st.PutSession(ctx, sampleSession("b"), time.Hour); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(5 * time.Minute)

	list, err := st.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].CustomerID != "b" {
		t.Errorf("expected only b to be live, got %+v", list)
	}
	n, err := st.PurgeExpiredSessions(ctx, clock)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged row, got %d", n)
	}
}

func TestSQLiteStoreCorruptSession(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	now := time.Now().UTC()
	_, err := st.db.Exec(`INSERT INTO sessions (customer_id, state, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"broken", "greeting", "{not json", now, now)
	if err != nil {
		t.Fatal(err)
	}
	_, err = st.GetSession(ctx, "broken")
	if !errors.Is(err, ErrCorruptSession) {
		t.Errorf("expected ErrCorruptSession, got %v", err)
	}
	list, err := st.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions should skip corrupt rows: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no decodable sessions, got %d", len(list))
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "neti.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatal(err)
	}
	want := sampleSession("62777")
	want.TicketID = "RPT1"
	if err := s1.PutSession(ctx, want, 24*time.Hour); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.GetSession(ctx, "62777")
	if err != nil || got == nil {
		t.Fatalf("expected session after reopen, got %v %v", got, err)
	}
	if got.TicketID != "RPT1" || got.State != want.State {
		t.Errorf("unexpected session after reopen: %+v", got)
	}
}

func TestSQLiteStoreConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := sampleSession(string(rune('a' + i)))
			errs <- st.PutSession(ctx, s, time.Hour)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent PutSession failed: %v", err)
		}
	}
	list, _ := st.ListSessions(ctx)
	if len(list) != 20 {
		t.Errorf("expected 20 sessions, got %d", len(list))
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"":                                  DSNTypeMemory,
		"redis://localhost:6379/0":          DSNTypeRedis,
		"rediss://user:pw@cache:6380":       DSNTypeRedis,
		"postgres://u:p@db/neti":            DSNTypePostgres,
		"host=localhost user=neti dbname=x": DSNTypePostgres,
		"/var/lib/neti/neti.db":             DSNTypeSQLite,
		"file:/tmp/wa.db?_foreign_keys=on":  DSNTypeSQLite,
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %s, want %s", dsn, got, want)
		}
	}
}

func TestOpenMemoryAndSQLite(t *testing.T) {
	st, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*InMemoryStore); !ok {
		t.Errorf("expected in-memory store, got %T", st)
	}
	path := filepath.Join(t.TempDir(), "sub", "neti.db")
	st, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if _, ok := st.(*SQLiteStore); !ok {
		t.Errorf("expected sqlite store, got %T", st)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestCountByState(t *testing.T) {
	a := sampleSession("a")
	b := sampleSession("b")
	b.State = models.StateGreeting
	counts := CountByState([]models.Session{a, b})
	if counts[models.StateConfirmData] != 1 || counts[models.StateGreeting] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
	if _, ok := counts[models.StateCompleted]; !ok {
		t.Error("every state should be reported, even with zero sessions")
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
