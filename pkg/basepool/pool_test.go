package basepool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// seedBase creates a base directory under root with a marker stamped at t.
func seedBase(t *testing.T, root, id string, createdAt time.Time) string {
	t.Helper()
	path := filepath.Join(root, id)
	if err := os.MkdirAll(path, 0750); err != nil {
		t.Fatalf("failed to create base dir: %v", err)
	}
	if err := writeMarkerTime(path, createdAt); err != nil {
		t.Fatalf("failed to write marker: %v", err)
	}
	return path
}

// seedCandidate creates a candidate directory outside the pool root with
// some content and the promotion marker.
func seedCandidate(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatalf("failed to create candidate dir: %v", err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0640); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return dir
}

func TestNewCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "bases")

	pool, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := os.Stat(root); err != nil {
		t.Errorf("pool root was not created: %v", err)
	}
	if pool.Len() != 0 {
		t.Errorf("expected empty pool, got %d bases", pool.Len())
	}
}

func TestTryPickEmptyPool(t *testing.T) {
	pool, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, ok := pool.TryPick(); ok {
		t.Error("TryPick on an empty pool should return false")
	}
}

func TestScanRecoversBases(t *testing.T) {
	root := t.TempDir()
	seedBase(t, root, "base-a", time.Now().Add(-time.Hour))
	seedBase(t, root, "base-b", time.Now().Add(-time.Minute))
	// Stray file should be ignored
	if err := os.WriteFile(filepath.Join(root, "junk"), []byte("x"), 0640); err != nil {
		t.Fatalf("failed to write stray file: %v", err)
	}

	pool, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if pool.Len() != 2 {
		t.Fatalf("expected 2 recovered bases, got %d", pool.Len())
	}

	// Most recently created base wins
	base, ok := pool.TryPick()
	if !ok {
		t.Fatal("TryPick should succeed on a recovered pool")
	}
	if base.ID != "base-b" {
		t.Errorf("expected most recent base base-b, got %s", base.ID)
	}
}

func TestScanFallsBackToMtime(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "base-no-marker")
	if err := os.MkdirAll(path, 0750); err != nil {
		t.Fatalf("failed to create base dir: %v", err)
	}

	pool, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if pool.Len() != 1 {
		t.Fatalf("expected 1 base, got %d", pool.Len())
	}
	infos := pool.List()
	if infos[0].CreatedAt.IsZero() {
		t.Error("expected mtime fallback, got zero CreatedAt")
	}
}

func TestTryPickDeterministicTieBreak(t *testing.T) {
	root := t.TempDir()
	stamp := time.Now().Truncate(time.Second)
	seedBase(t, root, "base-a", stamp)
	seedBase(t, root, "base-z", stamp)
	seedBase(t, root, "base-m", stamp)

	pool, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		base, ok := pool.TryPick()
		if !ok {
			t.Fatal("TryPick should succeed")
		}
		if base.ID != "base-z" {
			t.Fatalf("expected lexically greatest base-z on equal timestamps, got %s", base.ID)
		}
		pool.Release(base.ID)
	}
}

func TestPromoteIntoEmptyPool(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "bases")
	candidate := seedCandidate(t, filepath.Join(tmp, "candidate"), map[string]string{
		"file1":        "hello",
		MarkerFilename: "",
	})

	pool, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	id, err := pool.Promote(candidate)
	if err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	// Source directory is gone, base directory holds the content
	if _, err := os.Stat(candidate); !os.IsNotExist(err) {
		t.Errorf("candidate directory should have been moved away, stat err=%v", err)
	}
	content, err := os.ReadFile(filepath.Join(root, id, "file1"))
	if err != nil || string(content) != "hello" {
		t.Errorf("promoted base missing content: %v", err)
	}
	if pool.Len() != 1 {
		t.Errorf("expected pool size 1 after promotion, got %d", pool.Len())
	}

	// Marker was restamped with a parseable timestamp
	stamp, err := readMarkerTime(filepath.Join(root, id))
	if err != nil {
		t.Errorf("promoted base marker unreadable: %v", err)
	}
	if time.Since(stamp) > time.Minute {
		t.Errorf("marker timestamp not fresh: %v", stamp)
	}
}

func TestPromoteNonEmptyPool(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "bases")
	seedBase(t, root, "existing", time.Now())
	candidate := seedCandidate(t, filepath.Join(tmp, "candidate"), map[string]string{"f": "x"})

	pool, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := pool.Promote(candidate); !errors.Is(err, ErrPoolNotEmpty) {
		t.Fatalf("expected ErrPoolNotEmpty, got %v", err)
	}

	// Candidate must be left in place for the caller to delete
	if _, err := os.Stat(candidate); err != nil {
		t.Errorf("losing candidate should be untouched: %v", err)
	}
	if pool.Len() != 1 {
		t.Errorf("pool size should stay 1, got %d", pool.Len())
	}
}

func TestPromoteRaceSingleWinner(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "bases")

	pool, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	const racers = 8
	candidates := make([]string, racers)
	for i := range candidates {
		candidates[i] = seedCandidate(t, filepath.Join(tmp, fmt.Sprintf("cand-%d", i)), map[string]string{"f": "x"})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	losers := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			_, err := pool.Promote(src)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrPoolNotEmpty):
				losers++
				// Loser falls back to deletion, as the unpublisher does
				_ = os.RemoveAll(src)
			default:
				t.Errorf("unexpected promote error: %v", err)
			}
		}(candidates[i])
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly 1 promotion winner, got %d", winners)
	}
	if losers != racers-1 {
		t.Errorf("expected %d losers, got %d", racers-1, losers)
	}
	if pool.Len() != 1 {
		t.Errorf("expected pool size 1 after race, got %d", pool.Len())
	}
}

func TestPromoteRenameFailure(t *testing.T) {
	pool, err := New(filepath.Join(t.TempDir(), "bases"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Source does not exist, so the rename must fail
	if _, err := pool.Promote(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected rename failure")
	}
	if pool.Len() != 0 {
		t.Errorf("failed promotion must not register a base, pool size %d", pool.Len())
	}
}

func TestRemove(t *testing.T) {
	root := t.TempDir()
	seedBase(t, root, "base-a", time.Now())

	pool, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := pool.Remove("base-a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "base-a")); !os.IsNotExist(err) {
		t.Error("base directory should have been deleted")
	}
	if pool.Len() != 0 {
		t.Errorf("expected empty pool, got %d", pool.Len())
	}

	// Removing an unknown base is a no-op success
	if err := pool.Remove("base-a"); err != nil {
		t.Errorf("removing an unknown base should succeed, got %v", err)
	}
}

func TestRemoveInUse(t *testing.T) {
	root := t.TempDir()
	seedBase(t, root, "base-a", time.Now())

	pool, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	base, ok := pool.TryPick()
	if !ok {
		t.Fatal("TryPick should succeed")
	}

	if err := pool.Remove(base.ID); !errors.Is(err, ErrBaseInUse) {
		t.Fatalf("expected ErrBaseInUse, got %v", err)
	}
	if _, err := os.Stat(base.Path); err != nil {
		t.Errorf("in-use base must not be deleted: %v", err)
	}

	pool.Release(base.ID)
	if err := pool.Remove(base.ID); err != nil {
		t.Errorf("Remove after release should succeed, got %v", err)
	}
}

func TestReleaseUnderflowGuard(t *testing.T) {
	root := t.TempDir()
	seedBase(t, root, "base-a", time.Now())

	pool, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Releasing without a pick must not wrap the count negative
	pool.Release("base-a")
	pool.Release("unknown")

	base, ok := pool.TryPick()
	if !ok {
		t.Fatal("TryPick should succeed")
	}
	if err := pool.Remove(base.ID); !errors.Is(err, ErrBaseInUse) {
		t.Errorf("refcount should be exactly 1 after guarded underflow, Remove err=%v", err)
	}
}

func TestConcurrentPickRelease(t *testing.T) {
	root := t.TempDir()
	seedBase(t, root, "base-a", time.Now())

	pool, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			base, ok := pool.TryPick()
			if !ok {
				t.Error("TryPick should succeed")
				return
			}
			pool.Release(base.ID)
		}()
	}
	wg.Wait()

	// Net effect is zero references: removal succeeds
	if err := pool.Remove("base-a"); err != nil {
		t.Errorf("expected zero refs after balanced pick/release, Remove err=%v", err)
	}
}
