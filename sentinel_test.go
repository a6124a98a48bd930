package ovstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	ovserrors "github.com/tamirms/ovstore/errors"
)

func TestSentinelPath(t *testing.T) {
	if got, want := SentinelPath("/store", 7), filepath.Join("/store", "0007.started"); got != want {
		t.Errorf("SentinelPath = %q, want %q", got, want)
	}
	if got, want := SentinelPath("/store", 12345), filepath.Join("/store", "12345.started"); got != want {
		t.Errorf("SentinelPath = %q, want %q", got, want)
	}
}

func TestAcquireTwice(t *testing.T) {
	dir := t.TempDir()
	if err := acquireSentinel(dir, 2, 4, false); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err := acquireSentinel(dir, 2, 4, false)
	if !errors.Is(err, ovserrors.ErrSliceInProgress) {
		t.Fatalf("second acquire = %v, want ErrSliceInProgress", err)
	}
	if !strings.Contains(err.Error(), SentinelPath(dir, 2)) {
		t.Errorf("error %q does not name the sentinel", err)
	}

	if err := releaseSentinel(dir, 2); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := acquireSentinel(dir, 2, 4, false); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

// TestAcquireIsExclusive races many acquirers; exactly one may win.
func TestAcquireIsExclusive(t *testing.T) {
	dir := t.TempDir()
	const racers = 16

	var wg sync.WaitGroup
	results := make(chan error, racers)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- acquireSentinel(dir, 1, 1, false)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ovserrors.ErrSliceInProgress):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("%d acquirers succeeded, want 1", wins)
	}
}

func TestAcquireForce(t *testing.T) {
	dir := t.TempDir()
	path := SentinelPath(dir, 1)
	if err := os.WriteFile(path, []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := acquireSentinel(dir, 1, 3, true); err != nil {
		t.Fatalf("forced acquire: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("sentinel missing after forced acquire: %v", err)
	}
	if fi.Size() != 0 {
		t.Errorf("forced acquire left %d bytes of stale content", fi.Size())
	}

	// Force also works when no sentinel exists.
	if err := acquireSentinel(dir, 2, 3, true); err != nil {
		t.Fatalf("forced acquire of free slice: %v", err)
	}
}

func TestAcquireSliceRange(t *testing.T) {
	dir := t.TempDir()
	for _, slice := range []uint32{0, 5} {
		err := acquireSentinel(dir, slice, 4, false)
		if !errors.Is(err, ovserrors.ErrInvalidSlice) {
			t.Errorf("slice %d: error = %v, want ErrInvalidSlice", slice, err)
			continue
		}
		if !strings.Contains(err.Error(), "1-4") {
			t.Errorf("slice %d: error %q does not give the valid range", slice, err)
		}
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("invalid acquire created %d files", len(entries))
	}
}

func TestReleaseAbsent(t *testing.T) {
	if err := releaseSentinel(t.TempDir(), 9); err != nil {
		t.Errorf("release of absent sentinel: %v", err)
	}
}
