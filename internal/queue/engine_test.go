package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/oriys/fanq/internal/snapshot"
)

func newTestEngine(t *testing.T) (*Engine, *snapshot.FileStore) {
	t.Helper()
	store := snapshot.NewFileStore(t.TempDir(), "127.0.0.1:9091")
	e, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e, store
}

func TestCreateQueueIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)

	first, err := e.CreateQueue("test", "owner-a")
	if err != nil {
		t.Fatalf("CreateQueue failed: %v", err)
	}
	if first.ID == "" || first.Name != "test" {
		t.Fatalf("unexpected queue info: %+v", first)
	}

	second, err := e.CreateQueue("test", "owner-b")
	if err != nil {
		t.Fatalf("repeat CreateQueue failed: %v", err)
	}
	if second.ID != first.ID || second.Name != first.Name {
		t.Errorf("re-create returned different queue: %+v vs %+v", second, first)
	}
}

func TestPushPopSingleClient(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.CreateQueue("test", "x"); err != nil {
		t.Fatalf("CreateQueue failed: %v", err)
	}

	for _, payload := range []string{"a", "b", "c"} {
		if err := e.Push("test", "x", []byte(payload)); err != nil {
			t.Fatalf("Push(%q) failed: %v", payload, err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := e.Pop("test", "x")
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("Pop = %q, want %q", got, want)
		}
	}

	if _, err := e.Pop("test", "x"); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("exhausted Pop error = %v, want ErrEndOfStream", err)
	}
}

func TestPopUnregisteredClient(t *testing.T) {
	e, _ := newTestEngine(t)

	e.CreateQueue("test", "x")
	if err := e.Push("test", "x", []byte("a")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if _, err := e.Pop("test", "y"); !errors.Is(err, ErrClientNotRegistered) {
		t.Errorf("Pop by stranger error = %v, want ErrClientNotRegistered", err)
	}
}

func TestUnknownQueue(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := e.Push("nope", "x", []byte("a")); !errors.Is(err, ErrQueueNotFound) {
		t.Errorf("Push error = %v, want ErrQueueNotFound", err)
	}
	if _, err := e.Pop("nope", "x"); !errors.Is(err, ErrQueueNotFound) {
		t.Errorf("Pop error = %v, want ErrQueueNotFound", err)
	}
}

// Cursors are per client and start at the client's first push, so two
// producers each replay the full stream independently.
func TestFanOutCursors(t *testing.T) {
	e, _ := newTestEngine(t)

	e.CreateQueue("test", "x")
	if err := e.Push("test", "x", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := e.Push("test", "y", []byte("b")); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		client string
		want   string
	}{
		{"x", "a"},
		{"x", "b"},
		{"y", "a"},
		{"y", "b"},
	}
	for i, step := range steps {
		got, err := e.Pop("test", step.client)
		if err != nil {
			t.Fatalf("step %d: Pop(%s) failed: %v", i, step.client, err)
		}
		if string(got) != step.want {
			t.Errorf("step %d: Pop(%s) = %q, want %q", i, step.client, got, step.want)
		}
	}
}

func TestCursorStartsAtFirstPush(t *testing.T) {
	e, _ := newTestEngine(t)

	e.CreateQueue("test", "x")
	e.Push("test", "x", []byte("a"))
	e.Push("test", "x", []byte("b"))

	// y's first push initializes its cursor at 0, so y replays from the
	// start of the log, not from its join point.
	e.Push("test", "y", []byte("c"))

	if pos, ok := e.Cursor("test", "y"); !ok || pos != 0 {
		t.Errorf("expected y cursor at 0, got %d (ok=%v)", pos, ok)
	}
	got, err := e.Pop("test", "y")
	if err != nil || string(got) != "a" {
		t.Errorf("Pop(y) = %q, %v, want %q", got, err, "a")
	}
}

func TestSnapshotFidelityAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	store := snapshot.NewFileStore(dir, "127.0.0.1:9091")

	e, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	info, err := e.CreateQueue("test", "x")
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"a", "b", "c"} {
		if err := e.Push("test", "x", []byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := e.Pop("test", "x"); err != nil {
			t.Fatal(err)
		}
	}

	// Restart: a fresh engine over the same store sees identical state.
	restarted, err := NewEngine(snapshot.NewFileStore(dir, "127.0.0.1:9091"))
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	again, err := restarted.CreateQueue("test", "someone-else")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != info.ID {
		t.Errorf("queue id changed across restart: %s vs %s", again.ID, info.ID)
	}

	if _, err := restarted.Pop("test", "x"); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected cursor preserved at end of stream, got %v", err)
	}

	if err := restarted.Push("test", "x", []byte("d")); err != nil {
		t.Fatal(err)
	}
	got, err := restarted.Pop("test", "x")
	if err != nil || string(got) != "d" {
		t.Errorf("post-restart Pop = %q, %v, want %q", got, err, "d")
	}
}

// failingStore accepts the first n saves and then fails, to exercise the
// mutation rollback path.
type failingStore struct {
	saves   int
	allowed int
}

func (s *failingStore) Save(state []byte) error {
	s.saves++
	if s.saves > s.allowed {
		return fmt.Errorf("disk full")
	}
	return nil
}

func (s *failingStore) Load() ([]byte, bool, error) { return nil, false, nil }
func (s *failingStore) Close() error                { return nil }

func TestSnapshotFailureRollsBack(t *testing.T) {
	store := &failingStore{allowed: 2} // create + first push succeed
	e, err := NewEngine(store)
	if err != nil {
		t.Fatal(err)
	}

	e.CreateQueue("test", "x")
	if err := e.Push("test", "x", []byte("a")); err != nil {
		t.Fatalf("first Push failed: %v", err)
	}

	if err := e.Push("test", "y", []byte("b")); err == nil {
		t.Fatal("expected Push to fail when the snapshot write fails")
	}

	// y's cursor and b's payload must not have survived the failed push.
	if _, ok := e.Cursor("test", "y"); ok {
		t.Error("failed push left a cursor behind")
	}
	got, err := e.Pop("test", "x")
	if err != nil || string(got) != "a" {
		t.Fatalf("Pop = %q, %v, want %q", got, err, "a")
	}
	if _, err := e.Pop("test", "x"); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected end of stream after rollback, got %v", err)
	}
}

func TestPopRollsBackWhenSnapshotFails(t *testing.T) {
	store := &failingStore{allowed: 2} // create + push succeed
	e, err := NewEngine(store)
	if err != nil {
		t.Fatal(err)
	}

	e.CreateQueue("test", "x")
	if err := e.Push("test", "x", []byte("a")); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Pop("test", "x"); err == nil {
		t.Fatal("expected Pop to fail when the snapshot write fails")
	}
	if pos, _ := e.Cursor("test", "x"); pos != 0 {
		t.Errorf("failed pop advanced the cursor to %d", pos)
	}
}
