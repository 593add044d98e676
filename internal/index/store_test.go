package index

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/roach88/swarmlog/internal/event"
)

// createTestStore opens a fresh index in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testStream(b byte, nr event.StreamNr) event.StreamID {
	var n event.NodeID
	for i := range n {
		n[i] = b
	}
	return n.Stream(nr)
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
		{"user_version", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.pragma(tt.name)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.expected {
				t.Errorf("%s = %q, expected %q", tt.name, got, tt.expected)
			}
		})
	}
}

func TestLamport_IncreaseAndReceive(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	v, err := s.Lamport(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("initial lamport = %d, want 0", v)
	}

	if v, err = s.IncreaseLamport(ctx, 3); err != nil || v != 3 {
		t.Fatalf("IncreaseLamport(3) = %d, %v; want 3", v, err)
	}
	if v, err = s.ReceivedLamport(ctx, 10); err != nil || v != 11 {
		t.Fatalf("ReceivedLamport(10) = %d, %v; want 11", v, err)
	}
	// lower remote values still advance by one
	if v, err = s.ReceivedLamport(ctx, 4); err != nil || v != 12 {
		t.Fatalf("ReceivedLamport(4) = %d, %v; want 12", v, err)
	}
	if v, err = s.IncreaseLamport(ctx, 0); err != nil || v != 12 {
		t.Fatalf("IncreaseLamport(0) = %d, %v; want 12", v, err)
	}
}

func TestLamport_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.IncreaseLamport(ctx, 41); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	v, err := s.Lamport(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != 41 {
		t.Errorf("lamport after reopen = %d, want 41", v)
	}
}

func TestLamport_ConcurrentIncreasesAreUnique(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	const n = 20
	var mu sync.Mutex
	seen := map[event.LamportTimestamp]bool{}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.IncreaseLamport(ctx, 1)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("got %d distinct values, want %d", len(seen), n)
	}
}

func TestAddStream_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	a := testStream(2, 0)
	b := testStream(1, 5)
	c := testStream(1, 1)
	for _, id := range []event.StreamID{a, b, a, c, b} {
		if err := s.AddStream(ctx, id); err != nil {
			t.Fatalf("AddStream(%s) failed: %v", id, err)
		}
	}

	got, err := s.ObservedStreams(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []event.StreamID{c, b, a}
	if len(got) != len(want) {
		t.Fatalf("got %d streams, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stream %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNodeKey_Stable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	k1, err := s.NodeKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	k2, err := s.NodeKey(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if !k1.Equal(k2) {
		t.Error("node key changed across reopen")
	}
}
