package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, historyLimit int) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	store, err := OpenSQLite(path, historyLimit)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateUserAndVerify(t *testing.T) {
	store := newTestStore(t, 50)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected nonzero user id")
	}

	gotID, err := store.VerifyCredentials(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("verify credentials: %v", err)
	}
	if gotID != id {
		t.Fatalf("user id mismatch: got %d want %d", gotID, id)
	}

	if _, err := store.VerifyCredentials(ctx, "alice", "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if _, err := store.VerifyCredentials(ctx, "nobody", "whatever"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed for missing user, got %v", err)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	store := newTestStore(t, 50)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "alice", "hunter2"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := store.CreateUser(ctx, "alice", "different"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestCreateUserConcurrentDuplicate(t *testing.T) {
	store := newTestStore(t, 50)
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	successes := make(chan int64, attempts)
	failures := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := store.CreateUser(ctx, "racer", "hunter2")
			if err != nil {
				failures <- err
				return
			}
			successes <- id
		}()
	}
	wg.Wait()
	close(successes)
	close(failures)

	successCount := 0
	for range successes {
		successCount++
	}
	if successCount != 1 {
		t.Fatalf("expected exactly 1 success, got %d", successCount)
	}
	failureCount := 0
	for err := range failures {
		if !errors.Is(err, ErrUsernameTaken) {
			t.Fatalf("expected ErrUsernameTaken failures, got %v", err)
		}
		failureCount++
	}
	if failureCount != attempts-1 {
		t.Fatalf("expected %d failures, got %d", attempts-1, failureCount)
	}
}

// TestVerifyCredentialsTimingDoesNotLeakExistence exercises spec.md §4.1/§8's
// requirement that VerifyCredentials costs roughly the same whether or not
// the username exists, since a missing user still runs one bcrypt compare
// against dummyHash. Averaged over several runs, neither case should be more
// than a small constant factor slower than the other.
func TestVerifyCredentialsTimingDoesNotLeakExistence(t *testing.T) {
	store := newTestStore(t, 50)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "alice", "hunter2"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	const rounds = 8
	var existingTotal, missingTotal time.Duration
	for i := 0; i < rounds; i++ {
		start := time.Now()
		if _, err := store.VerifyCredentials(ctx, "alice", "wrong-password"); !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("expected ErrAuthFailed for existing user, got %v", err)
		}
		existingTotal += time.Since(start)

		start = time.Now()
		if _, err := store.VerifyCredentials(ctx, "nobody", "wrong-password"); !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("expected ErrAuthFailed for missing user, got %v", err)
		}
		missingTotal += time.Since(start)
	}

	const maxFactor = 3.0
	ratio := float64(existingTotal) / float64(missingTotal)
	if ratio > maxFactor || ratio < 1/maxFactor {
		t.Fatalf("verification timing leaks account existence: existing=%v missing=%v ratio=%.2f (want within %.1fx)",
			existingTotal, missingTotal, ratio, maxFactor)
	}
}

func TestInsertEntryVersionMonotonic(t *testing.T) {
	store := newTestStore(t, 50)
	ctx := context.Background()
	userID, err := store.CreateUser(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	_, v1, err := store.InsertEntry(ctx, userID, "text", "one", "{}", "A")
	if err != nil {
		t.Fatalf("insert entry 1: %v", err)
	}
	_, v2, err := store.InsertEntry(ctx, userID, "text", "two", "{}", "B")
	if err != nil {
		t.Fatalf("insert entry 2: %v", err)
	}
	if v2 != v1+1 {
		t.Fatalf("expected strictly increasing versions, got %d then %d", v1, v2)
	}

	entry, err := store.GetCurrent(ctx, userID)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if entry.Content != "two" || entry.Version != v2 || entry.ClientID != "B" {
		t.Fatalf("unexpected current entry: %+v", entry)
	}
}

func TestInsertEntryConcurrentNoGaps(t *testing.T) {
	store := newTestStore(t, 1000)
	ctx := context.Background()
	userID, err := store.CreateUser(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	const n = 25
	var wg sync.WaitGroup
	versions := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, v, err := store.InsertEntry(ctx, userID, "text", fmt.Sprintf("entry-%d", i), "{}", "")
			if err != nil {
				t.Errorf("insert entry: %v", err)
				return
			}
			versions <- v
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		if seen[v] {
			t.Fatalf("duplicate version %d", v)
		}
		seen[v] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct versions, got %d", n, len(seen))
	}
	for v := int64(1); v <= n; v++ {
		if !seen[v] {
			t.Fatalf("gap in versions: missing %d", v)
		}
	}
}

func TestHistoryEviction(t *testing.T) {
	store := newTestStore(t, 3)
	ctx := context.Background()
	userID, err := store.CreateUser(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	for _, content := range []string{"a", "b", "c", "d", "e"} {
		if _, _, err := store.InsertEntry(ctx, userID, "text", content, "{}", ""); err != nil {
			t.Fatalf("insert entry %q: %v", content, err)
		}
	}

	history, err := store.GetHistory(ctx, userID, 10)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected history bounded to 3, got %d", len(history))
	}
	wantContent := []string{"e", "d", "c"}
	wantVersion := []int64{5, 4, 3}
	for i, entry := range history {
		if entry.Content != wantContent[i] || entry.Version != wantVersion[i] {
			t.Fatalf("entry %d: got content=%q version=%d, want content=%q version=%d",
				i, entry.Content, entry.Version, wantContent[i], wantVersion[i])
		}
	}
}

func TestGetCurrentEmpty(t *testing.T) {
	store := newTestStore(t, 50)
	ctx := context.Background()
	userID, err := store.CreateUser(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := store.GetCurrent(ctx, userID); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	version, err := store.GetLatestVersion(ctx, userID)
	if err != nil {
		t.Fatalf("get latest version: %v", err)
	}
	if version != 0 {
		t.Fatalf("expected version 0 for empty user, got %d", version)
	}
}

func TestGetCurrentIdempotent(t *testing.T) {
	store := newTestStore(t, 50)
	ctx := context.Background()
	userID, err := store.CreateUser(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, _, err := store.InsertEntry(ctx, userID, "text", "hi", "{}", "A"); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	first, err := store.GetCurrent(ctx, userID)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	second, err := store.GetCurrent(ctx, userID)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if first != second {
		t.Fatalf("repeated GetCurrent returned different entries: %+v vs %+v", first, second)
	}
}

func TestCrossUserIsolation(t *testing.T) {
	store := newTestStore(t, 50)
	ctx := context.Background()
	alice, err := store.CreateUser(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := store.CreateUser(ctx, "bob", "hunter2")
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	if _, _, err := store.InsertEntry(ctx, alice, "text", "alice-secret", "{}", ""); err != nil {
		t.Fatalf("insert alice entry: %v", err)
	}
	if _, err := store.GetCurrent(ctx, bob); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected bob to have no entries, got %v", err)
	}
}
